package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var schema = `
CREATE TABLE IF NOT EXISTS bundle_submission (
    hash             bytea       NOT NULL,
    relay            text        NOT NULL,
    relay_hash       bytea,
    target_block     bigint      NOT NULL,
    tx_hashes        bytea[]     NOT NULL,
    replacement_uuid text,
    submitted_at     timestamptz NOT NULL,
    outcome          text,
    outcome_error    text,
    resolved_at      timestamptz,
    PRIMARY KEY (hash, relay)
);
CREATE INDEX IF NOT EXISTS bundle_submission_target_block_idx ON bundle_submission (target_block);`

type DBSubmission struct {
	Hash            []byte         `db:"hash"`
	Relay           string         `db:"relay"`
	RelayHash       []byte         `db:"relay_hash"`
	TargetBlock     int64          `db:"target_block"`
	TxHashes        pq.ByteaArray  `db:"tx_hashes"`
	ReplacementUUID sql.NullString `db:"replacement_uuid"`
	SubmittedAt     time.Time      `db:"submitted_at"`
	Outcome         sql.NullString `db:"outcome"`
	OutcomeError    sql.NullString `db:"outcome_error"`
	ResolvedAt      sql.NullTime   `db:"resolved_at"`
}

var insertSubmissionQuery = `
INSERT INTO bundle_submission (hash, relay, relay_hash, target_block, tx_hashes, replacement_uuid, submitted_at)
VALUES (:hash, :relay, :relay_hash, :target_block, :tx_hashes, :replacement_uuid, :submitted_at)
ON CONFLICT (hash, relay) DO UPDATE SET relay_hash = :relay_hash, submitted_at = :submitted_at`

var resolveSubmissionQuery = `
UPDATE bundle_submission
SET outcome = :outcome, outcome_error = :outcome_error, resolved_at = :resolved_at
WHERE hash = :hash AND target_block = :target_block AND outcome IS NULL`

var selectSubmissionsQuery = `
SELECT hash, relay, relay_hash, target_block, tx_hashes, replacement_uuid, submitted_at, outcome, outcome_error, resolved_at
FROM bundle_submission
WHERE hash = $1
ORDER BY relay`

type PostgresJournal struct {
	db *sqlx.DB

	insertSubmission  *sqlx.NamedStmt
	resolveSubmission *sqlx.NamedStmt
	selectSubmissions *sqlx.Stmt
}

func NewPostgresJournal(postgresDSN string) (*PostgresJournal, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return newPostgresJournal(db)
}

// newPostgresJournal takes ownership of db, it is closed if the journal cannot be set up
func newPostgresJournal(db *sqlx.DB) (j *PostgresJournal, err error) {
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	// the schema has to exist before statements are prepared
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	insertSubmission, err := db.PrepareNamed(insertSubmissionQuery)
	if err != nil {
		return nil, err
	}
	resolveSubmission, err := db.PrepareNamed(resolveSubmissionQuery)
	if err != nil {
		return nil, err
	}
	selectSubmissions, err := db.Preparex(selectSubmissionsQuery)
	if err != nil {
		return nil, err
	}

	return &PostgresJournal{
		db:                db,
		insertSubmission:  insertSubmission,
		resolveSubmission: resolveSubmission,
		selectSubmissions: selectSubmissions,
	}, nil
}

func (j *PostgresJournal) RecordSubmission(ctx context.Context, sub *Submission) error {
	dbSub := DBSubmission{
		Hash:            sub.BundleHash.Bytes(),
		Relay:           sub.Relay,
		TargetBlock:     int64(sub.TargetBlock),
		TxHashes:        make(pq.ByteaArray, len(sub.TxHashes)),
		ReplacementUUID: sql.NullString{String: sub.ReplacementUUID, Valid: sub.ReplacementUUID != ""},
		SubmittedAt:     sub.SubmittedAt,
	}
	if sub.RelayBundleHash != nil {
		dbSub.RelayHash = sub.RelayBundleHash.Bytes()
	}
	for i, hash := range sub.TxHashes {
		dbSub.TxHashes[i] = hash.Bytes()
	}
	_, err := j.insertSubmission.ExecContext(ctx, dbSub)
	return err
}

// RecordResolution sets the outcome of every unresolved submission of the bundle.
// It returns ErrSubmissionNotFound if there was nothing to resolve.
func (j *PostgresJournal) RecordResolution(ctx context.Context, res *Resolution) error {
	dbSub := DBSubmission{
		Hash:         res.BundleHash.Bytes(),
		TargetBlock:  int64(res.TargetBlock),
		Outcome:      sql.NullString{String: res.Outcome, Valid: true},
		OutcomeError: sql.NullString{String: res.Error, Valid: res.Error != ""},
		ResolvedAt:   sql.NullTime{Time: res.ResolvedAt, Valid: true},
	}
	result, err := j.resolveSubmission.ExecContext(ctx, dbSub)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

// Submissions returns every relay submission of the bundle
func (j *PostgresJournal) Submissions(ctx context.Context, bundleHash common.Hash) ([]DBSubmission, error) {
	var subs []DBSubmission
	err := j.selectSubmissions.SelectContext(ctx, &subs, bundleHash.Bytes())
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrSubmissionNotFound
	}
	return subs, nil
}

func (j *PostgresJournal) Close() error {
	return errors.Join(
		j.insertSubmission.Close(),
		j.resolveSubmission.Close(),
		j.selectSubmissions.Close(),
		j.db.Close(),
	)
}
