package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/walletscope/wallet-reporter/models"
)

// Jobs is the durable registry of report jobs. A partial unique index on
// wallet_address over the non-terminal states enforces at most one active
// job per wallet at the database level, so concurrent submissions cannot
// race past each other.
type Jobs struct {
	db *sql.DB
}

func NewJobs(db *sql.DB) (*Jobs, error) {
	j := &Jobs{db: db}
	if err := j.createTable(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Jobs) createTable() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS report_jobs (
		id uuid PRIMARY KEY,
		wallet_address text NOT NULL,
		state text NOT NULL,
		partial boolean NOT NULL DEFAULT false,
		chain_height bigint NOT NULL DEFAULT 0,
		from_block bigint NOT NULL DEFAULT 0,
		to_block bigint NOT NULL DEFAULT 0,
		segment_size bigint NOT NULL,
		segments_total integer NOT NULL DEFAULT 0,
		segments_done integer NOT NULL DEFAULT 0,
		completed_segments bigint[] NOT NULL DEFAULT '{}',
		failed_segments bigint[] NOT NULL DEFAULT '{}',
		record_count bigint NOT NULL DEFAULT 0,
		output_path text NOT NULL DEFAULT '',
		output_size bigint NOT NULL DEFAULT 0,
		error_message text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now(),
		started_at timestamptz,
		completed_at timestamptz,
		expires_at timestamptz
	);

	CREATE UNIQUE INDEX IF NOT EXISTS report_jobs_one_active_per_wallet
		ON report_jobs (wallet_address)
		WHERE state IN ('pending', 'segmenting', 'fetching', 'aggregating');
	`)
	if err != nil {
		return errors.Errorf("create report_jobs table: %w", err)
	}
	return nil
}

// Create inserts a new pending job. If the wallet already has an active job,
// the unique index rejects the insert and a DuplicateJobError carrying the
// existing identity is returned.
func (j *Jobs) Create(ctx context.Context, job *models.Job) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO report_jobs (id, wallet_address, state, from_block, to_block, segment_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.Wallet, string(job.State), job.FromBlock, job.ToBlock, job.SegmentSize, job.CreatedAt)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		existing, activeErr := j.ActiveForWallet(ctx, job.Wallet)
		if activeErr == nil && existing != nil {
			return &models.DuplicateJobError{ExistingID: existing.ID}
		}
	}
	return &models.StorageError{Op: "create report job", Err: err}
}

func (j *Jobs) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := j.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get report job", Err: err}
	}
	return job, nil
}

// ActiveForWallet returns the wallet's non-terminal job, or nil.
func (j *Jobs) ActiveForWallet(ctx context.Context, wallet string) (*models.Job, error) {
	row := j.db.QueryRowContext(ctx, selectJob+`
		WHERE wallet_address = $1 AND state IN ('pending', 'segmenting', 'fetching', 'aggregating')
	`, wallet)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get active report job", Err: err}
	}
	return job, nil
}

// Update persists every mutable job field.
func (j *Jobs) Update(ctx context.Context, job *models.Job) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE report_jobs SET
			state = $2,
			partial = $3,
			chain_height = $4,
			from_block = $5,
			to_block = $6,
			segments_total = $7,
			segments_done = $8,
			completed_segments = $9,
			failed_segments = $10,
			record_count = $11,
			output_path = $12,
			output_size = $13,
			error_message = $14,
			started_at = $15,
			completed_at = $16,
			expires_at = $17
		WHERE id = $1
	`,
		job.ID, string(job.State), job.Partial, job.ChainHeight, job.FromBlock, job.ToBlock,
		job.SegmentsTotal, job.SegmentsDone,
		pq.Array(job.CompletedSegments), pq.Array(job.FailedSegments),
		job.RecordCount, job.OutputPath, job.OutputSize, job.Error,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), nullTime(job.ExpiresAt),
	)
	if err != nil {
		return &models.StorageError{Op: "update report job", Err: err}
	}
	return nil
}

// MarkSegmentDone atomically records one resolved segment. Failed segments
// still count toward segments_done so progress converges on the total.
func (j *Jobs) MarkSegmentDone(ctx context.Context, id uuid.UUID, segment int64, failed bool) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE report_jobs SET
			segments_done = segments_done + 1,
			completed_segments = CASE WHEN $3 THEN completed_segments ELSE array_append(completed_segments, $2) END,
			failed_segments = CASE WHEN $3 THEN array_append(failed_segments, $2) ELSE failed_segments END
		WHERE id = $1
	`, id, segment, failed)
	if err != nil {
		return &models.StorageError{Op: "mark segment done", Err: err}
	}
	return nil
}

// NonTerminal returns every job eligible for startup recovery.
func (j *Jobs) NonTerminal(ctx context.Context) ([]*models.Job, error) {
	rows, err := j.db.QueryContext(ctx, selectJob+`
		WHERE state IN ('pending', 'segmenting', 'fetching', 'aggregating')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, &models.StorageError{Op: "list non-terminal jobs", Err: err}
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Expirable returns completed jobs whose retention window has lapsed.
func (j *Jobs) Expirable(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := j.db.QueryContext(ctx, selectJob+`
		WHERE state = 'completed' AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, &models.StorageError{Op: "list expirable jobs", Err: err}
	}
	defer rows.Close()
	return scanJobs(rows)
}

const selectJob = `
	SELECT id, wallet_address, state, partial, chain_height, from_block, to_block,
		segment_size, segments_total, segments_done, completed_segments, failed_segments,
		record_count, output_path, output_size, error_message,
		created_at, started_at, completed_at, expires_at
	FROM report_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var state string
	var startedAt, completedAt, expiresAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.Wallet, &state, &job.Partial, &job.ChainHeight, &job.FromBlock, &job.ToBlock,
		&job.SegmentSize, &job.SegmentsTotal, &job.SegmentsDone,
		pq.Array(&job.CompletedSegments), pq.Array(&job.FailedSegments),
		&job.RecordCount, &job.OutputPath, &job.OutputSize, &job.Error,
		&job.CreatedAt, &startedAt, &completedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	job.State = models.JobState(state)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ExpiresAt = timePtr(expiresAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &models.StorageError{Op: "scan report job", Err: err}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "iterate report jobs", Err: err}
	}
	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
