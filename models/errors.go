package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError is permanent: a malformed wallet address or request
// parameters. It is never retried and aborts the whole job.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// ErrUpstreamRateLimited is reported by the data source itself (HTTP 429 or
// an in-body rate-limit message). It is transient and retried under backoff.
var ErrUpstreamRateLimited = errors.New("upstream rate limited")

// UpstreamUnavailableError means the retry ceiling was exhausted for one
// fetch unit. Range-level for report jobs, request-level for direct queries.
type UpstreamUnavailableError struct {
	Attempts int
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// DuplicateJobError is returned on submission for a wallet that already has
// a non-terminal job. It carries the existing job's identity.
type DuplicateJobError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("wallet already has an active report job %s", e.ExistingID)
}

// StorageError wraps a cache or job-store write failure. Fatal to the
// affected job after a small fixed number of retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrDatasetTooLarge signals that a result set crossed the upstream
// pagination window (or the configured direct-query ceiling) and callers
// should go through the report path instead.
var ErrDatasetTooLarge = errors.New("dataset too large for direct query, use the report endpoint")

var ErrJobNotFound = errors.New("report job not found")

// ErrJobCanceled is the cancellation cause set when an operator cancels a
// non-terminal job.
var ErrJobCanceled = errors.New("report job canceled by operator")
