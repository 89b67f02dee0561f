package bundle

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRequest_SendArgs(t *testing.T) {
	req := NewRequest().
		AddRawTransaction([]byte{0x1}).
		AddRevertibleRawTransaction([]byte{0x2}).
		SetTargetBlock(2).
		SetMinTimestamp(1000).
		SetMaxTimestamp(2000)
	require.NoError(t, req.ValidateForSend(0))

	data, err := json.Marshal(req.SendArgs())
	require.NoError(t, err)
	require.JSONEq(t, `{
		"txs":["0x01","0x02"],
		"blockNumber":"0x2",
		"minTimestamp":1000,
		"maxTimestamp":2000,
		"revertingTxHashes":["0xf2ee15ea639b73fa3db9b34a245bdfa015c260c598b211bf05a1ecc4b3e3b4f2"]
	}`, string(data))

	id := uuid.MustParse("2c4d1b5a-8fd0-4c26-a4a7-5a9a3e3e9b2d")
	req = NewRequest().AddRawTransaction([]byte{0x1}).SetTargetBlock(10).SetReplacementUUID(id)
	data, err = json.Marshal(req.SendArgs())
	require.NoError(t, err)
	require.JSONEq(t, `{"txs":["0x01"],"blockNumber":"0xa","replacementUuid":"2c4d1b5a-8fd0-4c26-a4a7-5a9a3e3e9b2d"}`, string(data))
}

func TestRequest_CallArgs(t *testing.T) {
	req := NewRequest().
		AddRawTransaction([]byte{0x1}).
		AddRevertibleRawTransaction([]byte{0x2}).
		SetTargetBlock(2).
		SetSimulationBlock(1).
		SetSimulationTimestamp(1000).
		SetBaseFee(big.NewInt(333333))
	require.NoError(t, req.ValidateForSimulation())

	data, err := json.Marshal(req.CallArgs())
	require.NoError(t, err)
	require.JSONEq(t, `{
		"txs":["0x01","0x02"],
		"blockNumber":"0x2",
		"stateBlockNumber":"0x1",
		"timestamp":1000,
		"baseFee":333333
	}`, string(data))
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		head    uint64
		sendErr error
		simErr  error
	}{
		{
			name:    "empty",
			req:     NewRequest().SetTargetBlock(10).SetSimulationBlock(9),
			sendErr: ErrEmptyBundle,
			simErr:  ErrEmptyBundle,
		},
		{
			name:    "no target block",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetSimulationBlock(9),
			sendErr: ErrMissingTargetBlock,
			simErr:  ErrMissingTargetBlock,
		},
		{
			name:    "no simulation block",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10),
			sendErr: nil,
			simErr:  ErrMissingSimulationBlock,
		},
		{
			name:    "simulation block not before target",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10).SetSimulationBlock(10),
			sendErr: nil,
			simErr:  ErrInvalidSimulationBlock,
		},
		{
			name:    "min timestamp after max",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10).SetSimulationBlock(9).SetMinTimestamp(2).SetMaxTimestamp(1),
			sendErr: ErrInvalidTimestampRange,
			simErr:  ErrInvalidTimestampRange,
		},
		{
			name:    "only min timestamp",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10).SetSimulationBlock(9).SetMinTimestamp(2),
			sendErr: nil,
			simErr:  nil,
		},
		{
			name:    "stale target",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10).SetSimulationBlock(9),
			head:    11,
			sendErr: ErrStaleTargetBlock,
			simErr:  nil,
		},
		{
			name:    "target equals head",
			req:     NewRequest().AddRawTransaction([]byte{1}).SetTargetBlock(10).SetSimulationBlock(9),
			head:    10,
			sendErr: nil,
			simErr:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidateForSend(tt.head)
			if tt.sendErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.sendErr)
			}

			err = tt.req.ValidateForSimulation()
			if tt.simErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.simErr)
			}
		})
	}
}

func TestRequest_TransactionsFromSigned(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1))

	var signed []*types.Transaction
	for nonce := uint64(0); nonce < 3; nonce++ {
		tx, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
			ChainID:   big.NewInt(1),
			Nonce:     nonce,
			GasTipCap: big.NewInt(2e9),
			GasFeeCap: big.NewInt(50e9),
			Gas:       21000,
			To:        &common.Address{0x1},
			Value:     big.NewInt(1),
		})
		require.NoError(t, err)
		signed = append(signed, tx)
	}

	req := NewRequest()
	_, err = req.AddTransaction(signed[0])
	require.NoError(t, err)
	_, err = req.AddRevertibleTransaction(signed[1])
	require.NoError(t, err)
	raw, err := signed[2].MarshalBinary()
	require.NoError(t, err)
	req.AddRawTransaction(raw)

	require.Equal(t, []common.Hash{signed[0].Hash(), signed[1].Hash(), signed[2].Hash()}, req.TransactionHashes())
	require.Equal(t, []common.Hash{signed[1].Hash()}, req.RevertingTxHashes())

	expectedHash := crypto.Keccak256Hash(signed[0].Hash().Bytes(), signed[1].Hash().Bytes(), signed[2].Hash().Bytes())
	require.Equal(t, expectedHash, req.Hash())
}

func TestRequest_Clone(t *testing.T) {
	req := NewRequest().AddRawTransaction([]byte{0x1}).SetTargetBlock(5).SetBaseFee(big.NewInt(7))
	clone := req.Clone()

	req.AddRawTransaction([]byte{0x2}).SetTargetBlock(6)

	target, ok := clone.TargetBlock()
	require.True(t, ok)
	require.Equal(t, uint64(5), target)
	require.Len(t, clone.Transactions(), 1)
	require.Equal(t, "7", clone.CallArgs().BaseFee.String())
}

func TestRequest_SetBaseFee(t *testing.T) {
	fee := big.NewInt(100)
	tests := []struct {
		name     string
		fees     []*big.Int
		expected *big.Int
	}{
		{name: "unset"},
		{name: "set", fees: []*big.Int{fee}, expected: big.NewInt(100)},
		{name: "nil", fees: []*big.Int{nil}},
		{name: "nil clears override", fees: []*big.Int{fee, nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest()
			for _, f := range tt.fees {
				req.SetBaseFee(f)
			}
			require.Equal(t, tt.expected, req.CallArgs().BaseFee)
		})
	}

	req := NewRequest().SetBaseFee(fee)
	fee.SetInt64(5)
	require.Equal(t, "100", req.CallArgs().BaseFee.String())
}

func TestTransaction_RawIsCopied(t *testing.T) {
	raw := []byte{0x1, 0x2}
	tx := NewRawTransaction(raw)
	raw[0] = 0xff

	require.Equal(t, []byte{0x1, 0x2}, []byte(tx.Raw()))
	out := tx.Raw()
	out[1] = 0xff
	require.Equal(t, []byte{0x1, 0x2}, []byte(tx.Raw()))
}
