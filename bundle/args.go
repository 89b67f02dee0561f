package bundle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	SendBundleMethod     = "eth_sendBundle"
	CallBundleMethod     = "eth_callBundle"
	CancelBundleMethod   = "eth_cancelBundle"
	GetUserStatsMethod   = "flashbots_getUserStatsV2"
	GetBundleStatsMethod = "flashbots_getBundleStatsV2"
)

// SendBundleArgs is the eth_sendBundle parameter object
type SendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp      *uint64         `json:"minTimestamp,omitempty"`
	MaxTimestamp      *uint64         `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
	ReplacementUUID   string          `json:"replacementUuid,omitempty"`
}

type SendBundleResponse struct {
	BundleHash *common.Hash `json:"bundleHash,omitempty"`
}

// CallBundleArgs is the eth_callBundle parameter object
type CallBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber hexutil.Uint64  `json:"stateBlockNumber"`
	Timestamp        *uint64         `json:"timestamp,omitempty"`
	BaseFee          *big.Int        `json:"baseFee,omitempty"`
}

type CancelBundleArgs struct {
	ReplacementUUID string `json:"replacementUuid"`
}

type GetUserStatsArgs struct {
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

type GetBundleStatsArgs struct {
	BundleHash  common.Hash    `json:"bundleHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

// SendArgs builds the eth_sendBundle payload. Call ValidateForSend first.
func (r *Request) SendArgs() SendBundleArgs {
	args := SendBundleArgs{
		Txs:               r.rawTxs(),
		MinTimestamp:      cloneUint64(r.minTimestamp),
		MaxTimestamp:      cloneUint64(r.maxTimestamp),
		RevertingTxHashes: r.RevertingTxHashes(),
	}
	if r.targetBlock != nil {
		args.BlockNumber = hexutil.Uint64(*r.targetBlock)
	}
	if r.replacementUUID != nil {
		args.ReplacementUUID = r.replacementUUID.String()
	}
	return args
}

// CallArgs builds the eth_callBundle payload. Call ValidateForSimulation first.
func (r *Request) CallArgs() CallBundleArgs {
	args := CallBundleArgs{
		Txs:       r.rawTxs(),
		Timestamp: cloneUint64(r.simulationTimestamp),
	}
	if r.targetBlock != nil {
		args.BlockNumber = hexutil.Uint64(*r.targetBlock)
	}
	if r.simulationBlock != nil {
		args.StateBlockNumber = hexutil.Uint64(*r.simulationBlock)
	}
	if r.baseFee != nil {
		args.BaseFee = new(big.Int).Set(r.baseFee)
	}
	return args
}

func (r *Request) rawTxs() []hexutil.Bytes {
	txs := make([]hexutil.Bytes, len(r.txs))
	for i, tx := range r.txs {
		txs[i] = tx.Raw()
	}
	return txs
}
