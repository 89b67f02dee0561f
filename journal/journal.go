// Package journal records bundle submissions and their inclusion outcomes.
// Journals are auxiliary: callers log failures and carry on.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrSubmissionNotFound = errors.New("submission not found")

type Submission struct {
	// BundleHash is computed locally from the transaction hashes
	BundleHash common.Hash
	// RelayBundleHash is the hash returned by the relay, if any
	RelayBundleHash *common.Hash
	Relay           string
	TargetBlock     uint64
	TxHashes        []common.Hash
	ReplacementUUID string
	SubmittedAt     time.Time
}

type Resolution struct {
	BundleHash  common.Hash
	TargetBlock uint64
	// Outcome is included, not_included or query_failed
	Outcome    string
	Error      string
	ResolvedAt time.Time
}

type Journal interface {
	RecordSubmission(ctx context.Context, sub *Submission) error
	RecordResolution(ctx context.Context, res *Resolution) error
}

// Multi writes to every journal and returns the joined errors
type Multi []Journal

func (m Multi) RecordSubmission(ctx context.Context, sub *Submission) error {
	var errs []error
	for _, j := range m {
		if err := j.RecordSubmission(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordResolution(ctx context.Context, res *Resolution) error {
	var errs []error
	for _, j := range m {
		if err := j.RecordResolution(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
