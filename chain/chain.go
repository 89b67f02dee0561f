// Package chain defines the chain access the bundle client needs and an adapter over go-ethereum's RPC client
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockSummary is a block with transaction hashes only
type BlockSummary struct {
	Number       uint64
	Hash         common.Hash
	Transactions []common.Hash
}

// ContainsAll reports whether every hash is in the block
func (b *BlockSummary) ContainsAll(hashes []common.Hash) bool {
	included := make(map[common.Hash]struct{}, len(b.Transactions))
	for _, hash := range b.Transactions {
		included[hash] = struct{}{}
	}
	for _, hash := range hashes {
		if _, ok := included[hash]; !ok {
			return false
		}
	}
	return true
}

type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockSummary returns ethereum.NotFound if the node does not have the block
	BlockSummary(ctx context.Context, number uint64) (*BlockSummary, error)
}

type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client is everything the middleware needs from the wrapped chain client. Implementations must be safe for concurrent use.
type Client interface {
	BlockReader
	HeadSubscriber
	Caller
}
