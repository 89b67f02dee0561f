// Package flashbots layers bundle submission onto a chain client
package flashbots

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-bundle-client/bundle"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/inclusion"
	"github.com/flashbots/go-bundle-client/journal"
	"github.com/flashbots/go-bundle-client/metrics"
	"github.com/flashbots/go-bundle-client/relay"
	"github.com/flashbots/go-bundle-client/signature"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrMissingRelayURL = errors.New("relay url is required")
	ErrMissingSigner   = errors.New("signer is required")
	ErrMissingChain    = errors.New("chain client is required")

	errNullResult = errors.New("relay returned a null result")
)

type Config struct {
	RelayURL string
	// SimulationURL is used for eth_callBundle, RelayURL if empty
	SimulationURL string
	// MaxQueryFailures is passed to every pending bundle, see inclusion.Opts
	MaxQueryFailures int
	// Journal is optional
	Journal      journal.Journal
	RelayOptions []relay.Option
}

// Middleware adds the bundle relay operations to a chain client.
// Every chain.Client method that is not overridden goes straight to the wrapped client.
type Middleware struct {
	chain.Client

	log        *zap.Logger
	signer     *signature.Signer
	relay      *relay.Client
	simulation *relay.Client
	relayOpts  []relay.Option
	submitter  *submitter

	// clients keeps one relay client per url so rate limits hold across calls
	clientsMu sync.Mutex
	clients   map[string]*relay.Client
}

func NewMiddleware(log *zap.Logger, client chain.Client, signer *signature.Signer, cfg Config) (*Middleware, error) {
	if client == nil {
		return nil, ErrMissingChain
	}
	if signer == nil {
		return nil, ErrMissingSigner
	}
	if cfg.RelayURL == "" {
		return nil, ErrMissingRelayURL
	}
	if cfg.SimulationURL == "" {
		cfg.SimulationURL = cfg.RelayURL
	}

	log = log.Named("flashbots").With(zap.String("signer", signer.Address().Hex()))
	m := &Middleware{
		Client:    client,
		log:       log,
		signer:    signer,
		relayOpts: cfg.RelayOptions,
		submitter: newSubmitter(log, client, cfg.MaxQueryFailures, cfg.Journal),
		clients:   make(map[string]*relay.Client),
	}
	m.relay = m.clientFor(cfg.RelayURL)
	m.simulation = m.clientFor(cfg.SimulationURL)
	return m, nil
}

func (m *Middleware) clientFor(url string) *relay.Client {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	client, ok := m.clients[url]
	if !ok {
		client = relay.NewClient(m.log, url, m.signer, m.relayOpts...)
		m.clients[url] = client
	}
	return client
}

func (m *Middleware) Signer() common.Address {
	return m.signer.Address()
}

// SendBundle validates, signs and submits the bundle, the returned PendingBundle tracks its inclusion.
// The request is copied, later changes to req do not affect the submission.
func (m *Middleware) SendBundle(ctx context.Context, req *bundle.Request) (*inclusion.PendingBundle, error) {
	req, err := m.submitter.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var res bundle.SendBundleResponse
	err = m.relay.Call(ctx, bundle.SendBundleMethod, []any{req.SendArgs()}, &res)
	if err != nil {
		return nil, err
	}
	metrics.IncBundlesSent()
	m.submitter.recordSubmission(m.relay.URL(), req, res.BundleHash)

	return m.submitter.pending(req, res.BundleHash), nil
}

// SendAndWait submits the bundle and waits for its resolution
func (m *Middleware) SendAndWait(ctx context.Context, req *bundle.Request) (*inclusion.Resolution, error) {
	pending, err := m.SendBundle(ctx, req)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// SendRawTransaction submits a single transaction as a bundle for the next block
func (m *Middleware) SendRawTransaction(ctx context.Context, raw []byte) (*inclusion.PendingBundle, error) {
	if len(raw) == 0 {
		return nil, bundle.ErrEmptyBundle
	}
	head, err := m.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	req := bundle.NewRequest().AddRawTransaction(raw).SetTargetBlock(head + 1)
	return m.SendBundle(ctx, req)
}

// SimulateBundle runs eth_callBundle on the simulation endpoint
func (m *Middleware) SimulateBundle(ctx context.Context, req *bundle.Request) (*bundle.SimulatedBundle, error) {
	return m.simulate(ctx, m.simulation, req)
}

// SimulateBundleAt runs eth_callBundle on an arbitrary endpoint with the middleware identity
func (m *Middleware) SimulateBundleAt(ctx context.Context, url string, req *bundle.Request) (*bundle.SimulatedBundle, error) {
	return m.simulate(ctx, m.clientFor(url), req)
}

func (m *Middleware) simulate(ctx context.Context, client *relay.Client, req *bundle.Request) (*bundle.SimulatedBundle, error) {
	if err := req.ValidateForSimulation(); err != nil {
		metrics.IncBundlesRejectedValidation()
		return nil, err
	}
	req = req.Clone()

	var res *bundle.SimulatedBundle
	err := client.Call(ctx, bundle.CallBundleMethod, []any{req.CallArgs()}, &res)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &relay.NonConformantResponseError{StatusCode: 200, Body: "null", Err: errNullResult}
	}
	metrics.IncBundlesSimulated()

	logger := m.log.With(zap.Int("txs", len(res.Transactions)))
	if idx := res.FirstFailed(); idx >= 0 {
		logger.Debug("Simulated bundle has a failed transaction", zap.Int("index", idx))
	} else {
		logger.Debug("Simulated bundle")
	}
	return res, nil
}

// GetUserStats returns the relay stats of the signer as of the current block
func (m *Middleware) GetUserStats(ctx context.Context) (*bundle.UserStats, error) {
	head, err := m.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}

	var res *bundle.UserStats
	err = m.relay.Call(ctx, bundle.GetUserStatsMethod, []any{bundle.GetUserStatsArgs{BlockNumber: hexutil.Uint64(head)}}, &res)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &relay.NonConformantResponseError{StatusCode: 200, Body: "null", Err: errNullResult}
	}
	return res, nil
}

// GetBundleStats returns the relay stats of a bundle submitted for block
func (m *Middleware) GetBundleStats(ctx context.Context, bundleHash common.Hash, block uint64) (*bundle.BundleStats, error) {
	args := bundle.GetBundleStatsArgs{BundleHash: bundleHash, BlockNumber: hexutil.Uint64(block)}

	var res *bundle.BundleStats
	err := m.relay.Call(ctx, bundle.GetBundleStatsMethod, []any{args}, &res)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &relay.NonConformantResponseError{StatusCode: 200, Body: "null", Err: errNullResult}
	}
	return res, nil
}

// CancelBundle cancels every bundle submitted with the replacement uuid
func (m *Middleware) CancelBundle(ctx context.Context, replacementUUID uuid.UUID) error {
	args := bundle.CancelBundleArgs{ReplacementUUID: replacementUUID.String()}
	return m.relay.Call(ctx, bundle.CancelBundleMethod, []any{args}, nil)
}
