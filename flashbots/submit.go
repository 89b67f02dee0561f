package flashbots

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-bundle-client/bundle"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/inclusion"
	"github.com/flashbots/go-bundle-client/journal"
	"github.com/flashbots/go-bundle-client/metrics"
	"go.uber.org/zap"
)

const journalTimeout = 5 * time.Second

// submitter holds what Middleware and Broadcaster share around eth_sendBundle
type submitter struct {
	log              *zap.Logger
	chain            chain.Client
	maxQueryFailures int
	journal          journal.Journal
}

func newSubmitter(log *zap.Logger, c chain.Client, maxQueryFailures int, j journal.Journal) *submitter {
	return &submitter{
		log:              log,
		chain:            c,
		maxQueryFailures: maxQueryFailures,
		journal:          j,
	}
}

// prepare validates the request and returns a copy of it.
// Structural errors are reported before the chain is queried.
func (s *submitter) prepare(ctx context.Context, req *bundle.Request) (*bundle.Request, error) {
	if err := req.ValidateForSend(0); err != nil {
		metrics.IncBundlesRejectedValidation()
		return nil, err
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	if err := req.ValidateForSend(head); err != nil {
		metrics.IncBundlesRejectedValidation()
		return nil, err
	}
	return req.Clone(), nil
}

func (s *submitter) pending(req *bundle.Request, relayHash *common.Hash) *inclusion.PendingBundle {
	target, _ := req.TargetBlock()
	return inclusion.NewPendingBundle(s.log, s.chain, target, req.TransactionHashes(), inclusion.Opts{
		MaxQueryFailures: s.maxQueryFailures,
		BundleHash:       relayHash,
		OnResolve:        s.resolutionRecorder(req.Hash(), target),
	})
}

func (s *submitter) recordSubmission(relayURL string, req *bundle.Request, relayHash *common.Hash) {
	if s.journal == nil {
		return
	}
	target, _ := req.TargetBlock()
	sub := &journal.Submission{
		BundleHash:      req.Hash(),
		RelayBundleHash: relayHash,
		Relay:           relayURL,
		TargetBlock:     target,
		TxHashes:        req.TransactionHashes(),
		SubmittedAt:     time.Now().UTC(),
	}
	if id, ok := req.ReplacementUUID(); ok {
		sub.ReplacementUUID = id.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.RecordSubmission(ctx, sub); err != nil {
		s.log.Warn("Failed to record bundle submission", zap.Error(err), zap.String("bundleHash", sub.BundleHash.Hex()))
	}
}

func (s *submitter) resolutionRecorder(bundleHash common.Hash, target uint64) func(*inclusion.Resolution, error) {
	if s.journal == nil {
		return nil
	}
	return func(res *inclusion.Resolution, err error) {
		record := &journal.Resolution{
			BundleHash:  bundleHash,
			TargetBlock: target,
			ResolvedAt:  time.Now().UTC(),
		}
		if err != nil {
			record.Outcome = inclusion.QueryFailed.String()
			record.Error = err.Error()
		} else {
			record.Outcome = res.State.String()
		}

		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := s.journal.RecordResolution(ctx, record); err != nil {
			s.log.Warn("Failed to record bundle resolution", zap.Error(err), zap.String("bundleHash", bundleHash.Hex()))
		}
	}
}
