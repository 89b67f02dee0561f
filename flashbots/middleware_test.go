package flashbots

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/flashbots/go-bundle-client/bundle"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/inclusion"
	"github.com/flashbots/go-bundle-client/internal/relaytest"
	"github.com/flashbots/go-bundle-client/journal"
	"github.com/flashbots/go-bundle-client/relay"
	"github.com/flashbots/go-bundle-client/signature"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	blocks      map[uint64]*chain.BlockSummary
	numberCalls int
	feed        event.Feed
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, blocks: make(map[uint64]*chain.BlockSummary)}
}

func (f *fakeChain) addBlock(number uint64, txs ...common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[number] = &chain.BlockSummary{Number: number, Transactions: txs}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numberCalls++
	return f.head, nil
}

func (f *fakeChain) BlockSummary(ctx context.Context, number uint64) (*chain.BlockSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[number]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (f *fakeChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return f.feed.Subscribe(ch), nil
}

func (f *fakeChain) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if method != "eth_chainId" {
		return errors.New("unsupported method") //nolint:goerr113
	}
	return json.Unmarshal([]byte(`"0x1"`), result)
}

type memoryJournal struct {
	mu          sync.Mutex
	submissions []*journal.Submission
	resolutions []*journal.Resolution
	err         error
}

func (m *memoryJournal) RecordSubmission(ctx context.Context, sub *journal.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, sub)
	return m.err
}

func (m *memoryJournal) RecordResolution(ctx context.Context, res *journal.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = append(m.resolutions, res)
	return m.err
}

var (
	testBundleHash = common.HexToHash("0x2228f5d8954ce31dc1601a8ba264dbd401bf1428388ce88238932815c5d6f23f")
	rawTx1         = hexutil.MustDecode("0x02f86b0180843b9aca00852ecc889a0082520894c87037874aed04e51c29f582394217a0a2b89d808080c080a0a463985c616dd8ee17d7ef9112af4e6e06a27b071525b42182fe7b0b5c8b4925a00af5ca177ffef2ff28449292505d41be578bebb77110dfc09361d2fb56998260")
	rawTx2         = hexutil.MustDecode("0x02f86b0101843b9aca00852ecc889a0082520894c87037874aed04e51c29f582394217a0a2b89d808080c001a0a463985c616dd8ee17d7ef9112af4e6e06a27b071525b42182fe7b0b5c8b4925a00af5ca177ffef2ff28449292505d41be578bebb77110dfc09361d2fb56998261")
)

func newTestSigner(t *testing.T) *signature.Signer {
	t.Helper()
	signer, err := signature.NewRandomSigner()
	require.NoError(t, err)
	return signer
}

func sendBundleMethods(hash *common.Hash) relaytest.Methods {
	return relaytest.Methods{
		bundle.SendBundleMethod: func(ctx context.Context, args bundle.SendBundleArgs) (bundle.SendBundleResponse, error) {
			return bundle.SendBundleResponse{BundleHash: hash}, nil
		},
	}
}

func newTestMiddleware(t *testing.T, c chain.Client, relayURL string, j journal.Journal) *Middleware {
	t.Helper()
	m, err := NewMiddleware(zap.NewNop(), c, newTestSigner(t), Config{RelayURL: relayURL, Journal: j})
	require.NoError(t, err)
	return m
}

func TestNewMiddleware(t *testing.T) {
	signer := newTestSigner(t)
	c := newFakeChain(1)

	_, err := NewMiddleware(zap.NewNop(), nil, signer, Config{RelayURL: "http://localhost"})
	require.ErrorIs(t, err, ErrMissingChain)
	_, err = NewMiddleware(zap.NewNop(), c, nil, Config{RelayURL: "http://localhost"})
	require.ErrorIs(t, err, ErrMissingSigner)
	_, err = NewMiddleware(zap.NewNop(), c, signer, Config{})
	require.ErrorIs(t, err, ErrMissingRelayURL)

	m, err := NewMiddleware(zap.NewNop(), c, signer, Config{RelayURL: "http://localhost"})
	require.NoError(t, err)
	require.Equal(t, signer.Address(), m.Signer())
}

func TestMiddleware_Passthrough(t *testing.T) {
	c := newFakeChain(42)
	m := newTestMiddleware(t, c, "http://localhost", nil)

	number, err := m.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), number)

	var chainID hexutil.Uint64
	require.NoError(t, m.CallContext(context.Background(), &chainID, "eth_chainId"))
	require.Equal(t, hexutil.Uint64(1), chainID)
}

func TestMiddleware_SendBundle_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name    string
		head    uint64
		req     *bundle.Request
		err     error
		queried bool
	}{
		{
			name: "empty bundle",
			head: 100,
			req:  bundle.NewRequest().SetTargetBlock(101),
			err:  bundle.ErrEmptyBundle,
		},
		{
			name: "missing target",
			head: 100,
			req:  bundle.NewRequest().AddRawTransaction(rawTx1),
			err:  bundle.ErrMissingTargetBlock,
		},
		{
			name: "invalid timestamps",
			head: 100,
			req:  bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101).SetMinTimestamp(10).SetMaxTimestamp(5),
			err:  bundle.ErrInvalidTimestampRange,
		},
		{
			name:    "stale target",
			head:    100,
			req:     bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(99),
			err:     bundle.ErrStaleTargetBlock,
			queried: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := relaytest.NewServer(t, sendBundleMethods(&testBundleHash))
			c := newFakeChain(tt.head)
			j := &memoryJournal{}
			m := newTestMiddleware(t, c, srv.URL, j)

			pending, err := m.SendBundle(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.err)
			require.Nil(t, pending)
			require.Empty(t, srv.Calls())
			require.Empty(t, j.submissions)
			if tt.queried {
				require.Equal(t, 1, c.numberCalls)
			} else {
				require.Equal(t, 0, c.numberCalls)
			}
		})
	}
}

func TestMiddleware_SendBundle(t *testing.T) {
	srv := relaytest.NewServer(t, sendBundleMethods(&testBundleHash))
	c := newFakeChain(100)
	j := &memoryJournal{}
	m := newTestMiddleware(t, c, srv.URL, j)

	replacement := uuid.MustParse("e2dd2a4c-7bd5-4e12-a6dc-0e6d1f5c5b1a")
	req := bundle.NewRequest().
		AddRawTransaction(rawTx1).
		AddRevertibleRawTransaction(rawTx2).
		SetTargetBlock(101).
		SetMinTimestamp(1000).
		SetReplacementUUID(replacement)

	pending, err := m.SendBundle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint64(101), pending.TargetBlock())
	require.Equal(t, &testBundleHash, pending.BundleHash())
	require.Equal(t, req.TransactionHashes(), pending.TransactionHashes())
	require.Equal(t, inclusion.Waiting, pending.State())

	// the submission is a copy of the request
	req.SetTargetBlock(200)
	require.Equal(t, uint64(101), pending.TargetBlock())

	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, bundle.SendBundleMethod, calls[0].Method)
	require.Equal(t, m.Signer(), calls[0].Signer)
	require.JSONEq(t, `{
		"txs": ["`+hexutil.Encode(rawTx1)+`", "`+hexutil.Encode(rawTx2)+`"],
		"blockNumber": "0x65",
		"minTimestamp": 1000,
		"revertingTxHashes": ["`+bundle.NewRawTransaction(rawTx2).Hash().Hex()+`"],
		"replacementUuid": "e2dd2a4c-7bd5-4e12-a6dc-0e6d1f5c5b1a"
	}`, string(calls[0].Params[0]))

	require.Len(t, j.submissions, 1)
	sub := j.submissions[0]
	require.Equal(t, srv.URL, sub.Relay)
	require.Equal(t, uint64(101), sub.TargetBlock)
	require.Equal(t, &testBundleHash, sub.RelayBundleHash)
	require.Equal(t, replacement.String(), sub.ReplacementUUID)

	c.addBlock(101, bundle.NewRawTransaction(rawTx1).Hash(), bundle.NewRawTransaction(rawTx2).Hash())
	require.Equal(t, inclusion.Included, pending.Observe(context.Background(), 101))
	require.Len(t, j.resolutions, 1)
	require.Equal(t, "included", j.resolutions[0].Outcome)
	require.Equal(t, sub.BundleHash, j.resolutions[0].BundleHash)
}

func TestMiddleware_SendBundle_RelayErrors(t *testing.T) {
	srv := relaytest.NewServer(t, relaytest.Methods{
		bundle.SendBundleMethod: func(ctx context.Context, args bundle.SendBundleArgs) (bundle.SendBundleResponse, error) {
			return bundle.SendBundleResponse{}, &relaytest.Error{Code: -32000, Message: "bundle too large"}
		},
	})
	j := &memoryJournal{}
	m := newTestMiddleware(t, newFakeChain(100), srv.URL, j)

	_, err := m.SendBundle(context.Background(), bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101))
	require.ErrorIs(t, err, relay.ErrProtocol)
	require.Contains(t, err.Error(), "bundle too large")
	require.Empty(t, j.submissions)
}

func TestMiddleware_JournalFailureDoesNotFailSubmission(t *testing.T) {
	srv := relaytest.NewServer(t, sendBundleMethods(nil))
	j := &memoryJournal{err: errors.New("database down")} //nolint:goerr113
	m := newTestMiddleware(t, newFakeChain(100), srv.URL, j)

	pending, err := m.SendBundle(context.Background(), bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101))
	require.NoError(t, err)
	require.Nil(t, pending.BundleHash())
	require.Len(t, j.submissions, 1)
}

func TestMiddleware_SendAndWait(t *testing.T) {
	srv := relaytest.NewServer(t, sendBundleMethods(&testBundleHash))
	c := newFakeChain(101)
	c.addBlock(101, common.HexToHash("0x01"))
	m := newTestMiddleware(t, c, srv.URL, nil)

	res, err := m.SendAndWait(context.Background(), bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101))
	require.NoError(t, err)
	require.Equal(t, inclusion.NotIncluded, res.State)
	require.Equal(t, &testBundleHash, res.BundleHash)
	require.Equal(t, uint64(101), res.Block.Number)
}

func TestMiddleware_SendRawTransaction(t *testing.T) {
	srv := relaytest.NewServer(t, sendBundleMethods(&testBundleHash))
	m := newTestMiddleware(t, newFakeChain(100), srv.URL, nil)

	_, err := m.SendRawTransaction(context.Background(), nil)
	require.ErrorIs(t, err, bundle.ErrEmptyBundle)
	require.Empty(t, srv.Calls())

	pending, err := m.SendRawTransaction(context.Background(), rawTx1)
	require.NoError(t, err)
	require.Equal(t, uint64(101), pending.TargetBlock())
	require.Equal(t, []common.Hash{bundle.NewRawTransaction(rawTx1).Hash()}, pending.TransactionHashes())

	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.JSONEq(t, `{"txs":["`+hexutil.Encode(rawTx1)+`"],"blockNumber":"0x65"}`, string(calls[0].Params[0]))
}

const simulationResponse = `{
	"bundleGasPrice": "476190476193",
	"bundleHash": "0x73b1e258c7a42fd0230b2fd05529c5d4b6fcb66c227783f8bece8aeacdd1db2e",
	"coinbaseDiff": "20000000000126000",
	"ethSentToCoinbase": "20000000000000000",
	"gasFees": "126000",
	"results": [
		{
			"coinbaseDiff": "10000000000063000",
			"ethSentToCoinbase": "10000000000000000",
			"fromAddress": "0x02A727155aeF8609c9f7F2179b2a1f560B39F5A0",
			"gasFees": "63000",
			"gasPrice": "476190476193",
			"gasUsed": 21000,
			"toAddress": "0x73625f59CAdc5009Cb458B751b3E7b6b48C06f2C",
			"txHash": "0x669b4704a7d993a946cdd6e2f95233f308ce0c4649d2e04944e8299efcaa098a",
			"value": "0x"
		},
		{
			"coinbaseDiff": "10000000000063000",
			"ethSentToCoinbase": "10000000000000000",
			"fromAddress": "0x02A727155aeF8609c9f7F2179b2a1f560B39F5A0",
			"gasFees": "63000",
			"gasPrice": "476190476193",
			"gasUsed": 21000,
			"toAddress": "0x73625f59CAdc5009Cb458B751b3E7b6b48C06f2C",
			"txHash": "0xa839ee83465657cac01adc1d50d96c1b586ed498120a84a64749c0034b4f19fa",
			"value": "0x"
		}
	],
	"stateBlockNumber": 5221585,
	"totalGasUsed": 42000
}`

func simulationMethods(response string) relaytest.Methods {
	return relaytest.Methods{
		bundle.CallBundleMethod: func(ctx context.Context, args bundle.CallBundleArgs) (json.RawMessage, error) {
			return json.RawMessage(response), nil
		},
	}
}

func TestMiddleware_SimulateBundle(t *testing.T) {
	sendSrv := relaytest.NewServer(t, sendBundleMethods(nil))
	simSrv := relaytest.NewServer(t, simulationMethods(simulationResponse))
	signer := newTestSigner(t)
	m, err := NewMiddleware(zap.NewNop(), newFakeChain(100), signer, Config{RelayURL: sendSrv.URL, SimulationURL: simSrv.URL})
	require.NoError(t, err)

	_, err = m.SimulateBundle(context.Background(), bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101))
	require.ErrorIs(t, err, bundle.ErrMissingSimulationBlock)
	require.Empty(t, simSrv.Calls())

	req := bundle.NewRequest().
		AddRawTransaction(rawTx1).
		AddRawTransaction(rawTx2).
		SetTargetBlock(101).
		SetSimulationBlock(100).
		SetSimulationTimestamp(1700000000).
		SetBaseFee(big.NewInt(333333))
	sim, err := m.SimulateBundle(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, sim.Transactions, 2)
	require.Equal(t, uint64(42000), *sim.TotalGasUsed)
	require.Equal(t, uint64(5221585), *sim.StateBlockNumber)
	require.Equal(t, common.HexToHash("0x669b4704a7d993a946cdd6e2f95233f308ce0c4649d2e04944e8299efcaa098a"), sim.Transactions[0].Hash)
	require.Equal(t, -1, sim.FirstFailed())

	require.Empty(t, sendSrv.Calls())
	calls := simSrv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, signer.Address(), calls[0].Signer)
	require.JSONEq(t, `{
		"txs": ["`+hexutil.Encode(rawTx1)+`", "`+hexutil.Encode(rawTx2)+`"],
		"blockNumber": "0x65",
		"stateBlockNumber": "0x64",
		"timestamp": 1700000000,
		"baseFee": 333333
	}`, string(calls[0].Params[0]))
}

func TestMiddleware_SimulateBundleAt(t *testing.T) {
	defaultSrv := relaytest.NewServer(t, simulationMethods(simulationResponse))
	otherSrv := relaytest.NewServer(t, simulationMethods(simulationResponse))
	nullSrv := relaytest.NewServer(t, simulationMethods("null"))
	m := newTestMiddleware(t, newFakeChain(100), defaultSrv.URL, nil)

	req := bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101).SetSimulationBlock(100)
	sim, err := m.SimulateBundleAt(context.Background(), otherSrv.URL, req)
	require.NoError(t, err)
	require.Len(t, sim.Transactions, 2)
	require.Empty(t, defaultSrv.Calls())
	require.Len(t, otherSrv.Calls(), 1)
	require.Equal(t, m.Signer(), otherSrv.Calls()[0].Signer)

	_, err = m.SimulateBundleAt(context.Background(), nullSrv.URL, req)
	require.ErrorIs(t, err, relay.ErrNonConformantResponse)
}

func TestMiddleware_SimulateBundleAt_RateLimited(t *testing.T) {
	srv := relaytest.NewServer(t, simulationMethods(simulationResponse))
	m, err := NewMiddleware(zap.NewNop(), newFakeChain(100), newTestSigner(t), Config{
		RelayURL:     srv.URL,
		RelayOptions: []relay.Option{relay.WithRateLimit(rate.Every(200*time.Millisecond), 1)},
	})
	require.NoError(t, err)
	require.Same(t, m.relay, m.simulation)

	other := relaytest.NewServer(t, simulationMethods(simulationResponse))
	require.Same(t, m.clientFor(other.URL), m.clientFor(other.URL))

	req := bundle.NewRequest().AddRawTransaction(rawTx1).SetTargetBlock(101).SetSimulationBlock(100)
	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := m.SimulateBundleAt(context.Background(), other.URL, req)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	require.Len(t, other.Calls(), 2)
}

func TestMiddleware_GetUserStats(t *testing.T) {
	var gotArgs bundle.GetUserStatsArgs
	srv := relaytest.NewServer(t, relaytest.Methods{
		bundle.GetUserStatsMethod: func(ctx context.Context, args bundle.GetUserStatsArgs) (json.RawMessage, error) {
			gotArgs = args
			return json.RawMessage(`{
				"isHighPriority": true,
				"allTimeValidatorPayments": "1280749594841588639",
				"allTimeGasSimulated": "30049470846",
				"last7dValidatorPayments": "1280749594841588639",
				"last7dGasSimulated": "30049470846",
				"last1dValidatorPayments": "142305510537954293",
				"last1dGasSimulated": "2731770076"
			}`), nil
		},
	})
	m := newTestMiddleware(t, newFakeChain(16000000), srv.URL, nil)

	stats, err := m.GetUserStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, hexutil.Uint64(16000000), gotArgs.BlockNumber)
	require.True(t, *stats.IsHighPriority)
	require.Equal(t, "142305510537954293", stats.Last1dValidatorPayments.String())
	require.JSONEq(t, `{"blockNumber":"0xf42400"}`, string(srv.Calls()[0].Params[0]))
}

func TestMiddleware_GetBundleStats(t *testing.T) {
	var gotArgs bundle.GetBundleStatsArgs
	srv := relaytest.NewServer(t, relaytest.Methods{
		bundle.GetBundleStatsMethod: func(ctx context.Context, args bundle.GetBundleStatsArgs) (json.RawMessage, error) {
			gotArgs = args
			if args.BlockNumber == 0 {
				return json.RawMessage(`null`), nil
			}
			return json.RawMessage(`{
				"isSimulated": true,
				"isHighPriority": false,
				"simulatedAt": "2022-10-06T21:36:06.317Z",
				"receivedAt": "2022-10-06T21:36:06.250Z"
			}`), nil
		},
	})
	m := newTestMiddleware(t, newFakeChain(100), srv.URL, nil)

	stats, err := m.GetBundleStats(context.Background(), testBundleHash, 15710000)
	require.NoError(t, err)
	require.Equal(t, testBundleHash, gotArgs.BundleHash)
	require.Equal(t, hexutil.Uint64(15710000), gotArgs.BlockNumber)
	require.True(t, *stats.IsSimulated)
	require.False(t, *stats.IsHighPriority)

	_, err = m.GetBundleStats(context.Background(), testBundleHash, 0)
	require.ErrorIs(t, err, relay.ErrNonConformantResponse)
}

func TestMiddleware_CancelBundle(t *testing.T) {
	srv := relaytest.NewServer(t, relaytest.Methods{
		bundle.CancelBundleMethod: func(ctx context.Context, args bundle.CancelBundleArgs) error {
			if args.ReplacementUUID == "" {
				return &relaytest.Error{Code: relaytest.CodeInvalidParams, Message: "missing replacementUuid"}
			}
			return nil
		},
	})
	m := newTestMiddleware(t, newFakeChain(100), srv.URL, nil)

	id := uuid.New()
	require.NoError(t, m.CancelBundle(context.Background(), id))
	require.JSONEq(t, `{"replacementUuid":"`+id.String()+`"}`, string(srv.Calls()[0].Params[0]))
}
