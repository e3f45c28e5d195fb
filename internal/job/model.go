package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorKind classifies why a job reached the failed state. Transient
// infrastructure errors (full queue, broker outage) are retried and never
// recorded on the job.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindProcessFailure   ErrorKind = "process_failure"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
)

// Error is the structured failure stored on a job in the failed state.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Job struct {
	ID         string          `json:"job_id"`
	InputRef   string          `json:"input_ref"`
	OutputRef  string          `json:"output_ref,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     Status          `json:"status"`
	Progress   int             `json:"progress_percent"`
	Attempts   int             `json:"attempt_count"`
	Err        *Error          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// SubmitRequest is the payload used to submit a new job. Parameters is an
// opaque bag handed to the transcriber unmodified.
type SubmitRequest struct {
	InputRef   string          `json:"input_ref"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (r *SubmitRequest) Validate() error {
	if r.InputRef == "" {
		return errors.New("input_ref must not be empty")
	}
	if len(r.Parameters) > 0 && !json.Valid(r.Parameters) {
		return errors.New("parameters must be valid JSON")
	}
	return nil
}
