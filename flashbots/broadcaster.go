package flashbots

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-bundle-client/bundle"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/inclusion"
	"github.com/flashbots/go-bundle-client/journal"
	"github.com/flashbots/go-bundle-client/metrics"
	"github.com/flashbots/go-bundle-client/relay"
	"github.com/flashbots/go-bundle-client/signature"
	"go.uber.org/zap"
)

var (
	ErrNoRelays        = errors.New("no relays configured")
	ErrAllRelaysFailed = errors.New("bundle was rejected by all relays")
)

type BroadcastResult struct {
	Relay      string
	BundleHash *common.Hash
	Err        error
}

type BroadcasterOpts struct {
	MaxQueryFailures int
	Journal          journal.Journal
	RelayOptions     []relay.Option
}

// Broadcaster sends the same bundle to many relays
type Broadcaster struct {
	chain.Client

	log       *zap.Logger
	relays    []*relay.Client
	submitter *submitter
}

func NewBroadcaster(log *zap.Logger, client chain.Client, signer *signature.Signer, relays []RelayConfig, opts BroadcasterOpts) (*Broadcaster, error) {
	if client == nil {
		return nil, ErrMissingChain
	}
	if signer == nil {
		return nil, ErrMissingSigner
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	log = log.Named("broadcaster").With(zap.String("signer", signer.Address().Hex()))
	clients := make([]*relay.Client, 0, len(relays))
	for _, r := range relays {
		relayOpts := append(append([]relay.Option(nil), opts.RelayOptions...), r.Options()...)
		clients = append(clients, relay.NewClient(log.With(zap.String("relay", r.Name)), r.URL, signer, relayOpts...))
	}

	return &Broadcaster{
		Client:    client,
		log:       log,
		relays:    clients,
		submitter: newSubmitter(log, client, opts.MaxQueryFailures, opts.Journal),
	}, nil
}

// SendBundle sends the bundle to all relays in parallel. Results are in relay order.
// It fails only if the bundle is invalid or every relay rejected it.
func (b *Broadcaster) SendBundle(ctx context.Context, req *bundle.Request) ([]BroadcastResult, *inclusion.PendingBundle, error) {
	req, err := b.submitter.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	args := req.SendArgs()

	results := make([]BroadcastResult, len(b.relays))
	var wg sync.WaitGroup
	for i, client := range b.relays {
		wg.Add(1)
		go func(i int, client *relay.Client) {
			defer wg.Done()
			var res bundle.SendBundleResponse
			err := client.Call(ctx, bundle.SendBundleMethod, []any{args}, &res)
			results[i] = BroadcastResult{Relay: client.URL(), BundleHash: res.BundleHash, Err: err}
		}(i, client)
	}
	wg.Wait()

	var (
		errs      []error
		relayHash *common.Hash
	)
	for _, res := range results {
		if res.Err != nil {
			b.log.Warn("Relay rejected bundle", zap.String("relay", res.Relay), zap.Error(res.Err))
			errs = append(errs, fmt.Errorf("%s: %w", res.Relay, res.Err))
			continue
		}
		metrics.IncBundlesSent()
		b.submitter.recordSubmission(res.Relay, req, res.BundleHash)
		if relayHash == nil {
			relayHash = res.BundleHash
		}
	}
	if len(errs) == len(results) {
		return results, nil, fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	}

	return results, b.submitter.pending(req, relayHash), nil
}
