package models

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobPending     JobState = "pending"
	JobSegmenting  JobState = "segmenting"
	JobFetching    JobState = "fetching"
	JobAggregating JobState = "aggregating"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobExpired     JobState = "expired"
)

func (s JobState) String() string {
	return string(s)
}

// Terminal reports whether a job in this state is immutable.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired:
		return true
	}
	return false
}

// ActiveStates are the states covered by the one-active-job-per-wallet
// constraint.
func ActiveStates() []JobState {
	return []JobState{JobPending, JobSegmenting, JobFetching, JobAggregating}
}

// Job is the durable record of one report run. At most one job per wallet
// may be in a non-terminal state at any time.
type Job struct {
	ID     uuid.UUID
	Wallet string
	State  JobState

	// Partial marks a Completed job with at least one permanently failed
	// segment. Never silently treated as a full report.
	Partial bool

	// ChainHeight is the height read during Segmenting; zero until then.
	// FromBlock/ToBlock bound the scan when an explicit range was submitted,
	// otherwise ToBlock is zero and the scan covers [0, ChainHeight).
	ChainHeight int64
	FromBlock   int64
	ToBlock     int64
	SegmentSize int64

	SegmentsTotal     int
	SegmentsDone      int
	CompletedSegments []int64
	FailedSegments    []int64

	RecordCount int64
	OutputPath  string
	OutputSize  int64
	Error       string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time
}

func NewJob(wallet string, rng *BlockRange, segmentSize int64) *Job {
	job := &Job{
		ID:          uuid.New(),
		Wallet:      wallet,
		State:       JobPending,
		SegmentSize: segmentSize,
		CreatedAt:   time.Now().UTC(),
	}
	if rng != nil {
		job.FromBlock = rng.Start
		job.ToBlock = rng.End
	}
	return job
}

// Progress is segments_done / segments_total, observable by polling.
func (j *Job) Progress() (done, total int) {
	return j.SegmentsDone, j.SegmentsTotal
}
