package reporter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/go-errors/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walletscope/wallet-reporter/models"
)

// run drives one job through its lifecycle on a dedicated goroutine. The job
// context carries both the configured timeout and the operator cancel cause,
// so the two are distinguishable when the run is torn down.
func (e *Engine) run(job *models.Job) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	tctx, tcancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer tcancel()

	e.setCancel(job.ID, cancel)
	defer e.clearCancel(job.ID)

	e.activeJobs.Add(1)
	defer e.activeJobs.Add(-1)

	log := e.log.With("jobID", job.ID.String(), "wallet", job.Wallet)

	err := e.process(tctx, log, job)
	if err == nil {
		return
	}

	switch {
	case errors.Is(context.Cause(ctx), models.ErrJobCanceled):
		e.fail(log, job, models.ErrJobCanceled.Error())
	case errors.Is(err, context.Canceled):
		// Process shutdown. Leave the job non-terminal for recovery.
		log.Warn("Job interrupted by shutdown, leaving for recovery", "state", job.State)
	case errors.Is(err, context.DeadlineExceeded):
		e.fail(log, job, "job timeout exceeded")
	default:
		e.fail(log, job, err.Error())
	}
}

func (e *Engine) process(ctx context.Context, log *slog.Logger, job *models.Job) error {
	startTime := time.Now()

	if err := e.segment(ctx, log, job); err != nil {
		return err
	}

	records, err := e.fetchSegments(ctx, log, job)
	if err != nil {
		return err
	}

	if err := e.aggregate(ctx, log, job, records); err != nil {
		return err
	}

	log.Info("Report job completed",
		"duration", time.Since(startTime).Round(time.Millisecond),
		"records", job.RecordCount,
		"partial", job.Partial,
		"output", job.OutputPath,
	)
	return nil
}

// segment reads the chain height and fixes the job's segment plan. A resumed
// job reuses its persisted height so the plan is stable across restarts.
func (e *Engine) segment(ctx context.Context, log *slog.Logger, job *models.Job) error {
	if err := e.transition(ctx, log, job, models.JobSegmenting); err != nil {
		return err
	}

	if job.ChainHeight == 0 {
		height, err := e.fetcher.BlockNumber(ctx)
		if err != nil {
			return errors.Errorf("read chain height: %w", err)
		}
		job.ChainHeight = height
	}

	end := job.ToBlock
	if end == 0 || end > job.ChainHeight {
		end = job.ChainHeight
	}
	segments := models.SegmentsIn(job.FromBlock, end, job.SegmentSize)
	job.SegmentsTotal = len(segments)

	// Resumed jobs re-drive every segment through the cache, so progress
	// restarts from zero rather than double counting.
	job.SegmentsDone = 0
	job.CompletedSegments = nil
	job.FailedSegments = nil
	job.Partial = false

	log.Info("Job segmented",
		"chainHeight", job.ChainHeight,
		"fromBlock", job.FromBlock,
		"toBlock", end,
		"segments", len(segments),
	)
	return e.transition(ctx, log, job, models.JobFetching)
}

// fetchSegments drains the segment plan through a bounded worker pool. Range
// level failures that survive the retry policy mark the segment failed and
// the job partial; validation errors and context errors abort the job.
func (e *Engine) fetchSegments(ctx context.Context, log *slog.Logger, job *models.Job) ([][]models.Record, error) {
	end := job.ToBlock
	if end == 0 || end > job.ChainHeight {
		end = job.ChainHeight
	}
	segments := models.SegmentsIn(job.FromBlock, end, job.SegmentSize)

	results := make([][]models.Record, len(segments))
	var mu sync.Mutex
	var completed, failed []int64

	segCh := make(chan int)
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(segCh)
		for idx := range segments {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case segCh <- idx:
			}
		}
		return nil
	})

	for i := 0; i < e.cfg.Workers; i++ {
		group.Go(func() error {
			for idx := range segCh {
				seg := segments[idx]
				byType, err := e.fetcher.AllAccountRecords(gctx, job.Wallet, seg, job.ChainHeight)
				if err != nil {
					var verr *models.ValidationError
					if errors.As(err, &verr) {
						return err
					}
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Warn("Segment permanently failed", "segment", seg.String(), "error", err)
					mu.Lock()
					failed = append(failed, seg.Start)
					mu.Unlock()
					observeSegment("failed")
					if err := e.markSegment(gctx, job, seg.Start, true); err != nil {
						return err
					}
					continue
				}

				var flat []models.Record
				for _, typ := range models.AllTxTypes() {
					flat = append(flat, byType[typ]...)
				}
				results[idx] = flat
				mu.Lock()
				completed = append(completed, seg.Start)
				mu.Unlock()
				observeSegment("completed")
				if err := e.markSegment(gctx, job, seg.Start, false); err != nil {
					return err
				}
				log.Debug("Segment fetched", "segment", seg.String(), "records", len(flat))
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Mirror the per-segment outcomes onto the job before the next full-row
	// persist, which would otherwise overwrite what MarkSegmentDone
	// accumulated in the store.
	sort.Slice(completed, func(i, j int) bool { return completed[i] < completed[j] })
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	job.SegmentsDone = len(segments)
	job.CompletedSegments = completed
	job.FailedSegments = failed
	if len(failed) > 0 {
		job.Partial = true
		log.Warn("Job finished fetching with failed segments", "failedSegments", len(failed))
	}
	return results, nil
}

// aggregate merges the per-segment results into one globally ordered,
// deduplicated set and streams it to the report file.
func (e *Engine) aggregate(ctx context.Context, log *slog.Logger, job *models.Job, results [][]models.Record) error {
	if err := e.transition(ctx, log, job, models.JobAggregating); err != nil {
		return err
	}

	merged := treemap.NewWith(recordKeyComparator)
	for _, segRecords := range results {
		for _, rec := range segRecords {
			merged.Put(rec.Key(), rec)
		}
	}

	path, size, rows, err := e.writeReport(job, merged)
	if err != nil {
		return errors.Errorf("write report: %w", err)
	}

	job.RecordCount = rows
	job.OutputPath = path
	job.OutputSize = size
	expires := time.Now().UTC().Add(e.cfg.Retention)
	job.ExpiresAt = &expires
	return e.transition(ctx, log, job, models.JobCompleted)
}

func (e *Engine) writeReport(job *models.Job, merged *treemap.Map) (string, int64, int64, error) {
	if err := os.MkdirAll(e.cfg.ReportsDir, 0o755); err != nil {
		return "", 0, 0, err
	}

	name := reportFileName(job.Wallet, time.Now().UTC())
	path := filepath.Join(e.cfg.ReportsDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, 0, err
	}

	it := merged.Iterator()
	rows, err := WriteCSV(f, func() (models.Record, bool) {
		if !it.Next() {
			return models.Record{}, false
		}
		return it.Value().(models.Record), true
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", 0, 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", 0, 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, 0, err
	}
	exportRowCount.Add(float64(rows))
	return path, info.Size(), rows, nil
}

func reportFileName(wallet string, now time.Time) string {
	short := strings.TrimPrefix(wallet, "0x")
	if len(short) > 8 {
		short = short[:8]
	}
	return "transactions_" + short + "_" + now.Format("20060102_150405") + ".csv"
}

func recordKeyComparator(a, b interface{}) int {
	return a.(models.RecordKey).Compare(b.(models.RecordKey))
}

// transition moves the job to the next state and persists it. Fetching gets
// a start timestamp, terminal states a completion timestamp.
func (e *Engine) transition(ctx context.Context, log *slog.Logger, job *models.Job, state models.JobState) error {
	job.State = state
	now := time.Now().UTC()
	if state == models.JobFetching && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if state.Terminal() {
		job.CompletedAt = &now
	}
	log.Info("Job state transition", "state", state)
	return e.persist(ctx, job)
}

// persist writes the job with a short bounded retry. Store outages longer
// than the retry window are fatal to the run, not silently ignored.
func (e *Engine) persist(ctx context.Context, job *models.Job) error {
	var err error
	for attempt := 0; attempt <= storageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageRetryPause):
			}
		}
		if err = e.jobs.Update(ctx, job); err == nil {
			return nil
		}
	}
	return err
}

func (e *Engine) markSegment(ctx context.Context, job *models.Job, segment int64, failed bool) error {
	var err error
	for attempt := 0; attempt <= storageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageRetryPause):
			}
		}
		if err = e.jobs.MarkSegmentDone(ctx, job.ID, segment, failed); err == nil {
			return nil
		}
	}
	return err
}

// fail settles the job as failed with a fresh context, since the run context
// is usually already dead by the time a failure is being recorded.
func (e *Engine) fail(log *slog.Logger, job *models.Job, reason string) {
	job.State = models.JobFailed
	job.Error = reason
	now := time.Now().UTC()
	job.CompletedAt = &now

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx, job); err != nil {
		log.Error("Failed to persist failed job state", "error", err)
	}
	log.Error("Report job failed", "reason", reason)
}
