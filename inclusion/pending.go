// Package inclusion tracks whether a submitted bundle landed in its target block
package inclusion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/metrics"
	"go.uber.org/zap"
)

const DefaultMaxQueryFailures = 3

var ErrQueryFailed = errors.New("inclusion query failed")

type State int

const (
	Waiting State = iota
	Included
	NotIncluded
	QueryFailed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Included:
		return "included"
	case NotIncluded:
		return "not_included"
	case QueryFailed:
		return "query_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s != Waiting
}

// QueryFailedError is returned when the inclusion of the bundle could not be determined
type QueryFailedError struct {
	TargetBlock uint64
	Err         error
}

func (e *QueryFailedError) Error() string {
	return fmt.Sprintf("inclusion query for block %d failed: %v", e.TargetBlock, e.Err)
}

func (e *QueryFailedError) Is(target error) bool {
	return target == ErrQueryFailed
}

func (e *QueryFailedError) Unwrap() error {
	return e.Err
}

// Resolution is the final answer for a bundle.
// Block is the target block, it is nil if NotIncluded was decided without the block being available.
type Resolution struct {
	State       State
	TargetBlock uint64
	BundleHash  *common.Hash
	Block       *chain.BlockSummary
}

type Outcome struct {
	Resolution *Resolution
	Err        error
}

// Chain is what a pending bundle needs from the chain client
type Chain interface {
	chain.BlockReader
	chain.HeadSubscriber
}

type Opts struct {
	// MaxQueryFailures is the number of consecutive failed block queries before giving up, DefaultMaxQueryFailures if zero
	MaxQueryFailures int
	// BundleHash is the hash reported by the relay
	BundleHash *common.Hash
	// OnResolve is called once when the bundle reaches a terminal state. It must not call back into the PendingBundle.
	OnResolve func(res *Resolution, err error)
}

// PendingBundle is a submitted bundle awaiting its target block.
// Transitions are serialized, it is safe to use from multiple goroutines.
type PendingBundle struct {
	log              *zap.Logger
	chain            Chain
	targetBlock      uint64
	txHashes         []common.Hash
	bundleHash       *common.Hash
	maxQueryFailures int
	onResolve        func(res *Resolution, err error)

	mu          sync.Mutex
	state       State
	lastChecked uint64
	failures    int
	resolution  *Resolution
	err         error
}

func NewPendingBundle(log *zap.Logger, c Chain, targetBlock uint64, txHashes []common.Hash, opts Opts) *PendingBundle {
	if opts.MaxQueryFailures <= 0 {
		opts.MaxQueryFailures = DefaultMaxQueryFailures
	}
	var bundleHash *common.Hash
	if opts.BundleHash != nil {
		hash := *opts.BundleHash
		bundleHash = &hash
	}
	log = log.Named("inclusion").With(zap.Uint64("targetBlock", targetBlock))
	if bundleHash != nil {
		log = log.With(zap.String("bundleHash", bundleHash.Hex()))
	}
	return &PendingBundle{
		log:              log,
		chain:            c,
		targetBlock:      targetBlock,
		txHashes:         append([]common.Hash(nil), txHashes...),
		bundleHash:       bundleHash,
		maxQueryFailures: opts.MaxQueryFailures,
		onResolve:        opts.OnResolve,
	}
}

func (p *PendingBundle) TargetBlock() uint64 {
	return p.targetBlock
}

func (p *PendingBundle) TransactionHashes() []common.Hash {
	return append([]common.Hash(nil), p.txHashes...)
}

// BundleHash is the relay reported hash, nil if the relay did not return one
func (p *PendingBundle) BundleHash() *common.Hash {
	if p.bundleHash == nil {
		return nil
	}
	hash := *p.bundleHash
	return &hash
}

func (p *PendingBundle) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Observe runs one transition for a newly seen chain height and returns the resulting state
func (p *PendingBundle) Observe(ctx context.Context, height uint64) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() || height < p.lastChecked {
		return p.state
	}
	p.lastChecked = height
	if height < p.targetBlock {
		return p.state
	}

	block, err := p.chain.BlockSummary(ctx, p.targetBlock)
	switch {
	case err == nil:
		p.failures = 0
		if block.ContainsAll(p.txHashes) {
			p.resolve(Included, block, nil)
		} else {
			p.resolve(NotIncluded, block, nil)
		}
	case errors.Is(err, ethereum.NotFound):
		p.failures = 0
		if height > p.targetBlock {
			// the chain moved past the target without the node serving it
			p.resolve(NotIncluded, nil, nil)
		} else {
			p.log.Debug("Target block not available yet", zap.Uint64("height", height))
		}
	case ctx.Err() != nil:
	default:
		p.failures++
		metrics.IncInclusionQueryFailure()
		p.log.Warn("Failed to get target block", zap.Error(err), zap.Int("failures", p.failures))
		if p.failures >= p.maxQueryFailures {
			p.resolve(QueryFailed, nil, err)
		}
	}
	return p.state
}

// Wait blocks until the bundle is resolved. NotIncluded is a resolution, not an error.
// If the inclusion cannot be determined, including when ctx is done, it returns a *QueryFailedError.
func (p *PendingBundle) Wait(ctx context.Context) (*Resolution, error) {
	if res, err, ok := p.result(); ok {
		return res, err
	}

	heads := make(chan *types.Header, 16)
	sub, err := p.chain.SubscribeNewHead(ctx, heads)
	if err != nil {
		return p.fail(fmt.Errorf("subscribe to new heads: %w", err))
	}
	defer sub.Unsubscribe()

	height, err := p.chain.BlockNumber(ctx)
	if err != nil {
		p.log.Debug("Failed to get block number", zap.Error(err))
	} else {
		p.Observe(ctx, height)
	}

	for {
		if res, err, ok := p.result(); ok {
			return res, err
		}
		select {
		case <-ctx.Done():
			return p.fail(ctx.Err())
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return p.fail(err)
		case head := <-heads:
			if head == nil || head.Number == nil {
				continue
			}
			p.Observe(ctx, head.Number.Uint64())
		}
	}
}

var errSubscriptionClosed = errors.New("head subscription closed")

// Await runs Wait in a goroutine, the channel receives exactly one outcome and is then closed
func (p *PendingBundle) Await(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := p.Wait(ctx)
		out <- Outcome{Resolution: res, Err: err}
	}()
	return out
}

func (p *PendingBundle) result() (*Resolution, error, bool) { //nolint:stylecheck
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolution, p.err, p.state.Terminal()
}

func (p *PendingBundle) fail(err error) (*Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.resolve(QueryFailed, nil, err)
	}
	return p.resolution, p.err
}

// resolve must be called with mu held
func (p *PendingBundle) resolve(state State, block *chain.BlockSummary, err error) {
	p.state = state
	switch state {
	case Included:
		metrics.IncBundleIncluded()
	case NotIncluded:
		metrics.IncBundleNotIncluded()
	case QueryFailed:
		metrics.IncBundleQueryFailed()
	}

	if state == QueryFailed {
		p.err = &QueryFailedError{TargetBlock: p.targetBlock, Err: err}
		p.log.Info("Bundle inclusion unknown", zap.Error(err))
	} else {
		p.resolution = &Resolution{
			State:       state,
			TargetBlock: p.targetBlock,
			BundleHash:  p.BundleHash(),
			Block:       block,
		}
		p.log.Info("Bundle resolved", zap.Stringer("state", state))
	}

	if p.onResolve != nil {
		p.onResolve(p.resolution, p.err)
	}
}
