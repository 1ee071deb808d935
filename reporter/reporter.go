package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/walletscope/wallet-reporter/models"
)

// Fetcher retrieves normalized transaction records for one fetch unit,
// consulting the tiered cache before calling upstream through the shared
// rate limiter.
type Fetcher interface {
	// BlockNumber returns the current chain height.
	BlockNumber(ctx context.Context) (int64, error)

	// AccountRecords returns the ordered record set for one (wallet, type,
	// range) unit.
	AccountRecords(ctx context.Context, wallet string, typ models.TxType, rng models.BlockRange, height int64) ([]models.Record, error)

	// AllAccountRecords fans all record types out concurrently for one range.
	AllAccountRecords(ctx context.Context, wallet string, rng models.BlockRange, height int64) (map[models.TxType][]models.Record, error)
}

// JobStore is the durable job registry. It enforces at most one active job
// per wallet.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ActiveForWallet(ctx context.Context, wallet string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error
	MarkSegmentDone(ctx context.Context, id uuid.UUID, segment int64, failed bool) error
	NonTerminal(ctx context.Context) ([]*models.Job, error)
	Expirable(ctx context.Context, now time.Time) ([]*models.Job, error)
}

const (
	defaultSegmentSize      = 100_000
	defaultWorkers          = 4
	defaultJobTimeout       = 30 * time.Minute
	defaultRetention        = 24 * time.Hour
	defaultSweepInterval    = 10 * time.Minute
	defaultDirectMaxRecords = 10_000

	// storageRetries is the small fixed retry count for job-store writes
	// before a StorageError becomes fatal to the job.
	storageRetries    = 2
	storageRetryPause = 200 * time.Millisecond
)

type Config struct {
	SegmentSize   int64
	Workers       int
	JobTimeout    time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	ReportsDir    string

	// DirectMaxRecords is the "large dataset" boundary: direct queries above
	// it are refused and pointed at the report path. Operational tuning
	// parameter, deliberately configuration rather than a constant.
	DirectMaxRecords int
}

// Engine coordinates report jobs: segmentation, the bounded fetch pool,
// aggregation, export and retention. One engine per process.
type Engine struct {
	log     *slog.Logger
	fetcher Fetcher
	jobs    JobStore
	cfg     Config

	mu         sync.Mutex
	cancels    map[uuid.UUID]context.CancelCauseFunc
	wg         sync.WaitGroup
	activeJobs atomic.Int64
}

func New(log *slog.Logger, fetcher Fetcher, jobs JobStore, cfg Config) *Engine {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DirectMaxRecords == 0 {
		cfg.DirectMaxRecords = defaultDirectMaxRecords
	}
	return &Engine{
		log:     log.With("module", "reporter"),
		fetcher: fetcher,
		jobs:    jobs,
		cfg:     cfg,
		cancels: make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Submit creates a report job for the wallet, or returns the existing active
// one. The boolean reports whether a new job was created.
func (e *Engine) Submit(ctx context.Context, wallet string, rng *models.BlockRange) (*models.Job, bool, error) {
	addr, err := models.NormalizeAddress(wallet)
	if err != nil {
		return nil, false, err
	}
	if rng != nil && rng.End <= rng.Start {
		return nil, false, &models.ValidationError{Msg: "block range end must be greater than start"}
	}

	job := models.NewJob(addr, rng, e.cfg.SegmentSize)
	if err := e.jobs.Create(ctx, job); err != nil {
		var dup *models.DuplicateJobError
		if errors.As(err, &dup) {
			existing, getErr := e.jobs.Get(ctx, dup.ExistingID)
			if getErr != nil {
				return nil, false, getErr
			}
			e.log.Info("Submission reuses active job", "wallet", addr, "jobID", existing.ID.String())
			return existing, false, nil
		}
		return nil, false, err
	}

	e.log.Info("Report job accepted", "wallet", addr, "jobID", job.ID.String())
	e.start(job)
	return job, true, nil
}

// Job returns the durable state of one job, for polling.
func (e *Engine) Job(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return e.jobs.Get(ctx, id)
}

// Cancel aborts a non-terminal job. In-flight work observes the cancellation
// at its next suspension point; committed cache writes stay valid.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := e.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return &models.ValidationError{Msg: fmt.Sprintf("job %s is already %s", id, job.State)}
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel(models.ErrJobCanceled)
		return nil
	}

	// Not running in this process (e.g. orphaned before recovery): settle it
	// directly in the store.
	job.State = models.JobFailed
	job.Error = models.ErrJobCanceled.Error()
	now := time.Now().UTC()
	job.CompletedAt = &now
	return e.jobs.Update(ctx, job)
}

// Recover resumes every non-terminal job found in the store. Segments that
// completed before the restart are typically served straight from the
// durable cache tier, so resume cost is bounded.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.jobs.NonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		e.log.Info("Resuming report job after restart",
			"jobID", job.ID.String(),
			"wallet", job.Wallet,
			"state", job.State,
			"segmentsDone", job.SegmentsDone,
		)
		e.start(job)
	}
	return nil
}

// Shutdown interrupts running jobs and waits for their goroutines. The jobs
// stay non-terminal in the store and are resumed by Recover on restart.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel(context.Canceled)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) start(job *models.Job) {
	e.wg.Add(1)
	go e.run(job)
}

func (e *Engine) setCancel(id uuid.UUID, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(id uuid.UUID) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}
