// Package bundle contains the bundle request model, its wire representation and
// the decoders for relay simulation and statistics responses.
package bundle

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyBundle            = errors.New("bundle has no transactions")
	ErrMissingTargetBlock     = errors.New("bundle target block is not set")
	ErrMissingSimulationBlock = errors.New("bundle simulation block is not set")
	ErrInvalidSimulationBlock = errors.New("bundle simulation block must be lower than target block")
	ErrInvalidTimestampRange  = errors.New("bundle min timestamp is greater than max timestamp")
	ErrStaleTargetBlock       = errors.New("bundle target block is lower than current block")
)

// Transaction is a signed transaction as it will be sent to the relay
type Transaction struct {
	raw        hexutil.Bytes
	hash       common.Hash
	revertible bool
}

func NewTransaction(tx *types.Transaction) (Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{raw: raw, hash: tx.Hash()}, nil
}

// NewRawTransaction wraps an already encoded signed transaction (legacy RLP or typed envelope)
func NewRawTransaction(raw []byte) Transaction {
	return Transaction{
		raw:  common.CopyBytes(raw),
		hash: keccak256Hash(raw),
	}
}

func (t Transaction) Raw() hexutil.Bytes {
	return common.CopyBytes(t.raw)
}

func (t Transaction) Hash() common.Hash {
	return t.hash
}

// Revertible reports whether the bundle stays valid if this transaction reverts
func (t Transaction) Revertible() bool {
	return t.revertible
}

// Request is a bundle built by the caller. Setters return the request to allow chaining.
// The middleware clones the request before using it.
type Request struct {
	txs []Transaction

	targetBlock         *uint64
	simulationBlock     *uint64
	simulationTimestamp *uint64
	minTimestamp        *uint64
	maxTimestamp        *uint64
	baseFee             *big.Int
	replacementUUID     *uuid.UUID
}

func NewRequest() *Request {
	return &Request{}
}

func (r *Request) AddTransaction(tx *types.Transaction) (*Request, error) {
	entry, err := NewTransaction(tx)
	if err != nil {
		return r, err
	}
	r.txs = append(r.txs, entry)
	return r, nil
}

// AddRevertibleTransaction adds a transaction that is allowed to revert without invalidating the bundle
func (r *Request) AddRevertibleTransaction(tx *types.Transaction) (*Request, error) {
	entry, err := NewTransaction(tx)
	if err != nil {
		return r, err
	}
	entry.revertible = true
	r.txs = append(r.txs, entry)
	return r, nil
}

func (r *Request) AddRawTransaction(raw []byte) *Request {
	r.txs = append(r.txs, NewRawTransaction(raw))
	return r
}

func (r *Request) AddRevertibleRawTransaction(raw []byte) *Request {
	entry := NewRawTransaction(raw)
	entry.revertible = true
	r.txs = append(r.txs, entry)
	return r
}

func (r *Request) SetTargetBlock(block uint64) *Request {
	r.targetBlock = &block
	return r
}

// SetSimulationBlock sets the block whose state the bundle is simulated on top of
func (r *Request) SetSimulationBlock(block uint64) *Request {
	r.simulationBlock = &block
	return r
}

func (r *Request) SetSimulationTimestamp(ts uint64) *Request {
	r.simulationTimestamp = &ts
	return r
}

func (r *Request) SetMinTimestamp(ts uint64) *Request {
	r.minTimestamp = &ts
	return r
}

func (r *Request) SetMaxTimestamp(ts uint64) *Request {
	r.maxTimestamp = &ts
	return r
}

// SetBaseFee overrides the base fee used during simulation, nil clears the override
func (r *Request) SetBaseFee(fee *big.Int) *Request {
	if fee == nil {
		r.baseFee = nil
		return r
	}
	r.baseFee = new(big.Int).Set(fee)
	return r
}

// SetReplacementUUID allows the bundle to be replaced or cancelled later by the same searcher
func (r *Request) SetReplacementUUID(id uuid.UUID) *Request {
	r.replacementUUID = &id
	return r
}

func (r *Request) Transactions() []Transaction {
	res := make([]Transaction, len(r.txs))
	copy(res, r.txs)
	return res
}

func (r *Request) TargetBlock() (uint64, bool) {
	if r.targetBlock == nil {
		return 0, false
	}
	return *r.targetBlock, true
}

func (r *Request) SimulationBlock() (uint64, bool) {
	if r.simulationBlock == nil {
		return 0, false
	}
	return *r.simulationBlock, true
}

func (r *Request) ReplacementUUID() (uuid.UUID, bool) {
	if r.replacementUUID == nil {
		return uuid.UUID{}, false
	}
	return *r.replacementUUID, true
}

// TransactionHashes returns hashes of all transactions in execution order
func (r *Request) TransactionHashes() []common.Hash {
	hashes := make([]common.Hash, len(r.txs))
	for i, tx := range r.txs {
		hashes[i] = tx.hash
	}
	return hashes
}

func (r *Request) RevertingTxHashes() []common.Hash {
	var hashes []common.Hash
	for _, tx := range r.txs {
		if tx.revertible {
			hashes = append(hashes, tx.hash)
		}
	}
	return hashes
}

// Hash is keccak256 over the concatenated transaction hashes, the same way relays identify eth_sendBundle bundles
func (r *Request) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range r.txs {
		hasher.Write(tx.hash.Bytes())
	}
	return common.BytesToHash(hasher.Sum(nil))
}

func (r *Request) Clone() *Request {
	c := &Request{
		txs:                 r.Transactions(),
		targetBlock:         cloneUint64(r.targetBlock),
		simulationBlock:     cloneUint64(r.simulationBlock),
		simulationTimestamp: cloneUint64(r.simulationTimestamp),
		minTimestamp:        cloneUint64(r.minTimestamp),
		maxTimestamp:        cloneUint64(r.maxTimestamp),
	}
	if r.baseFee != nil {
		c.baseFee = new(big.Int).Set(r.baseFee)
	}
	if r.replacementUUID != nil {
		id := *r.replacementUUID
		c.replacementUUID = &id
	}
	return c
}

// ValidateForSend checks the request before eth_sendBundle.
// head is the current chain height; zero skips the staleness check.
func (r *Request) ValidateForSend(head uint64) error {
	if len(r.txs) == 0 {
		return ErrEmptyBundle
	}
	if r.targetBlock == nil {
		return ErrMissingTargetBlock
	}
	if head != 0 && *r.targetBlock < head {
		return ErrStaleTargetBlock
	}
	return r.validateTimestamps()
}

// ValidateForSimulation checks the request before eth_callBundle
func (r *Request) ValidateForSimulation() error {
	if len(r.txs) == 0 {
		return ErrEmptyBundle
	}
	if r.targetBlock == nil {
		return ErrMissingTargetBlock
	}
	if r.simulationBlock == nil {
		return ErrMissingSimulationBlock
	}
	if *r.simulationBlock >= *r.targetBlock {
		return ErrInvalidSimulationBlock
	}
	return r.validateTimestamps()
}

func (r *Request) validateTimestamps() error {
	if r.minTimestamp != nil && r.maxTimestamp != nil && *r.minTimestamp > *r.maxTimestamp {
		return ErrInvalidTimestampRange
	}
	return nil
}

func cloneUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func keccak256Hash(data []byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	return common.BytesToHash(hasher.Sum(nil))
}
