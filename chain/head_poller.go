package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/flashbots/go-bundle-client/metrics"
	"go.uber.org/zap"
)

type BlockNumberReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeadPoller emits a header whenever the block number grows. Only Number is set on emitted headers.
type HeadPoller struct {
	log      *zap.Logger
	reader   BlockNumberReader
	interval time.Duration
	// MaxRetryTime bounds retries of a failing BlockNumber call before the subscription fails
	MaxRetryTime time.Duration
}

func NewHeadPoller(log *zap.Logger, reader BlockNumberReader, interval time.Duration) *HeadPoller {
	return &HeadPoller{
		log:          log.Named("head-poller"),
		reader:       reader,
		interval:     interval,
		MaxRetryTime: 30 * time.Second,
	}
}

// SubscribeNewHead starts polling. The returned subscription fails with the last error once BlockNumber
// has been failing for MaxRetryTime.
func (p *HeadPoller) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var last uint64
		for {
			number, err := p.blockNumber(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if number > last {
				last = number
				select {
				case ch <- &types.Header{Number: new(big.Int).SetUint64(number)}:
				case <-quit:
					return nil
				}
			}

			select {
			case <-ticker.C:
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (p *HeadPoller) blockNumber(ctx context.Context) (uint64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval / 4
	b.MaxInterval = p.interval
	b.MaxElapsedTime = p.MaxRetryTime

	var number uint64
	err := backoff.Retry(func() error {
		n, err := p.reader.BlockNumber(ctx)
		if err != nil {
			metrics.IncHeadPollFailure()
			p.log.Debug("Failed to get block number", zap.Error(err))
			return err
		}
		number = n
		return nil
	}, backoff.WithContext(b, ctx))
	return number, err
}
