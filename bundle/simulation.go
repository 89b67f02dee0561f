package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// revertSelector is the selector of Error(string)
var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// SimulatedTransaction is a single eth_callBundle result. Numeric fields are nil when the relay omitted them.
type SimulatedTransaction struct {
	Hash              common.Hash
	CoinbaseDiff      *big.Int
	EthSentToCoinbase *big.Int
	GasPrice          *big.Int
	GasUsed           *uint64
	GasFees           *big.Int
	From              *common.Address
	// To is nil for contract creation
	To *common.Address
	// Value is the call return data, not an amount of ether
	Value hexutil.Bytes
	Error *string
	// Revert is the revert message as reported by the relay
	Revert *string
	// RevertReason is decoded from Value when the transaction failed with Error(string)
	RevertReason *string
}

type simulatedTransactionJSON struct {
	TxHash            common.Hash    `json:"txHash"`
	CoinbaseDiff      *Quantity      `json:"coinbaseDiff"`
	EthSentToCoinbase *Quantity      `json:"ethSentToCoinbase"`
	GasPrice          *Quantity      `json:"gasPrice"`
	GasUsed           *Quantity      `json:"gasUsed"`
	GasFees           *Quantity      `json:"gasFees"`
	FromAddress       *string        `json:"fromAddress"`
	ToAddress         *string        `json:"toAddress"`
	Value             *hexutil.Bytes `json:"value"`
	Error             *string        `json:"error"`
	Revert            *string        `json:"revert"`
}

func (t *SimulatedTransaction) UnmarshalJSON(data []byte) error {
	var raw simulatedTransactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	from, err := parseOptionalAddress(raw.FromAddress)
	if err != nil {
		return fmt.Errorf("fromAddress: %w", err)
	}
	to, err := parseOptionalAddress(raw.ToAddress)
	if err != nil {
		return fmt.Errorf("toAddress: %w", err)
	}

	*t = SimulatedTransaction{
		Hash:              raw.TxHash,
		CoinbaseDiff:      raw.CoinbaseDiff.Big(),
		EthSentToCoinbase: raw.EthSentToCoinbase.Big(),
		GasPrice:          raw.GasPrice.Big(),
		GasUsed:           raw.GasUsed.Uint64(),
		GasFees:           raw.GasFees.Big(),
		From:              from,
		To:                to,
		Error:             nonEmpty(raw.Error),
		Revert:            nonEmpty(raw.Revert),
	}
	if raw.Value != nil {
		t.Value = *raw.Value
	}
	if t.Failed() {
		t.RevertReason = DecodeRevertReason(t.Value)
	}
	return nil
}

func (t *SimulatedTransaction) Failed() bool {
	return t.Error != nil
}

// EffectiveGasPrice is the price per gas the block producer receives, coinbaseDiff / gasUsed.
// When the relay did not report both, the reported gas price is returned, which may be nil.
func (t *SimulatedTransaction) EffectiveGasPrice() *big.Int {
	if t.CoinbaseDiff != nil && t.GasUsed != nil && *t.GasUsed > 0 {
		return new(big.Int).Div(t.CoinbaseDiff, new(big.Int).SetUint64(*t.GasUsed))
	}
	if t.GasPrice != nil {
		return new(big.Int).Set(t.GasPrice)
	}
	return nil
}

// SimulatedBundle is the eth_callBundle result. Results are in the order of the submitted transactions.
type SimulatedBundle struct {
	BundleHash        *common.Hash
	CoinbaseDiff      *big.Int
	EthSentToCoinbase *big.Int
	BundleGasPrice    *big.Int
	TotalGasUsed      *uint64
	GasFees           *big.Int
	StateBlockNumber  *uint64
	Transactions      []SimulatedTransaction
}

type simulatedBundleJSON struct {
	BundleHash        *common.Hash           `json:"bundleHash"`
	CoinbaseDiff      *Quantity              `json:"coinbaseDiff"`
	EthSentToCoinbase *Quantity              `json:"ethSentToCoinbase"`
	BundleGasPrice    *Quantity              `json:"bundleGasPrice"`
	TotalGasUsed      *Quantity              `json:"totalGasUsed"`
	GasFees           *Quantity              `json:"gasFees"`
	StateBlockNumber  *Quantity              `json:"stateBlockNumber"`
	Results           []SimulatedTransaction `json:"results"`
}

func (b *SimulatedBundle) UnmarshalJSON(data []byte) error {
	var raw simulatedBundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = SimulatedBundle{
		BundleHash:        raw.BundleHash,
		CoinbaseDiff:      raw.CoinbaseDiff.Big(),
		EthSentToCoinbase: raw.EthSentToCoinbase.Big(),
		BundleGasPrice:    raw.BundleGasPrice.Big(),
		TotalGasUsed:      raw.TotalGasUsed.Uint64(),
		GasFees:           raw.GasFees.Big(),
		StateBlockNumber:  raw.StateBlockNumber.Uint64(),
		Transactions:      raw.Results,
	}
	return nil
}

// EffectiveGasPrice is the gas weighted price of the whole bundle: sum of coinbase diffs over sum of gas used.
// Falls back to the bundle gas price reported by the relay.
func (b *SimulatedBundle) EffectiveGasPrice() *big.Int {
	totalDiff := new(big.Int)
	totalGas := new(big.Int)
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if tx.CoinbaseDiff == nil || tx.GasUsed == nil {
			totalGas.SetUint64(0)
			break
		}
		totalDiff.Add(totalDiff, tx.CoinbaseDiff)
		totalGas.Add(totalGas, new(big.Int).SetUint64(*tx.GasUsed))
	}
	if totalGas.Sign() > 0 {
		return totalDiff.Div(totalDiff, totalGas)
	}

	if b.CoinbaseDiff != nil && b.TotalGasUsed != nil && *b.TotalGasUsed > 0 {
		return new(big.Int).Div(b.CoinbaseDiff, new(big.Int).SetUint64(*b.TotalGasUsed))
	}
	if b.BundleGasPrice != nil {
		return new(big.Int).Set(b.BundleGasPrice)
	}
	return nil
}

// FirstFailed returns the index of the first failed transaction or -1
func (b *SimulatedBundle) FirstFailed() int {
	for i := range b.Transactions {
		if b.Transactions[i].Failed() {
			return i
		}
	}
	return -1
}

// DecodeRevertReason extracts the message of an Error(string) revert. It returns nil for any other data.
func DecodeRevertReason(data []byte) *string {
	if len(data) < len(revertSelector) || !bytes.Equal(data[:len(revertSelector)], revertSelector) {
		return nil
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return nil
	}
	return &reason
}

func parseOptionalAddress(s *string) (*common.Address, error) {
	if s == nil || *s == "" || *s == "0x" {
		return nil, nil
	}
	if !common.IsHexAddress(*s) {
		return nil, fmt.Errorf("invalid address %q", *s)
	}
	address := common.HexToAddress(*s)
	return &address, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
