// Package queue is a Redis-backed at-least-once job queue with deduplication by
// job id, per-job backoff and settlement events delivered over pub/sub.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onboarding-workflow/internal/retry"
)

// State is the lifecycle state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions follow
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job is a claimed job handed to a Handler
type Job struct {
	Queue      string
	ID         string
	InstanceID string
	Payload    json.RawMessage
	// Attempt is the 1-based number of the current run.
	Attempt    int
	MaxRetries int
	Backoff    retry.Backoff
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s/%s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// Options control a single Enqueue call
type Options struct {
	// ID is the deduplication key. Empty means a random id.
	ID string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff overrides the queue default.
	Backoff *retry.Backoff
}

// Event is a state transition broadcast to observers
type Event struct {
	Queue      string    `json:"queue"`
	JobID      string    `json:"jobId"`
	InstanceID string    `json:"instanceId"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Settlement is the terminal outcome of a job instance
type Settlement struct {
	Queue      string    `json:"queue"`
	JobID      string    `json:"jobId"`
	InstanceID string    `json:"instanceId"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	SettledAt  time.Time `json:"settledAt"`
}

// Succeeded reports a successful settlement
func (s *Settlement) Succeeded() bool {
	return s != nil && s.State == StateSucceeded
}

// Err returns a *FailedError for failed settlements and nil otherwise
func (s *Settlement) Err() error {
	if s == nil || s.State != StateFailed {
		return nil
	}
	return &FailedError{Settlement: *s}
}

func (s *Settlement) event() Event {
	return Event{
		Queue:      s.Queue,
		JobID:      s.JobID,
		InstanceID: s.InstanceID,
		State:      s.State,
		Attempt:    s.Attempts,
		Error:      s.Error,
		At:         s.SettledAt,
	}
}

// FailedError is returned when an awaited job exhausted its retries
type FailedError struct {
	Settlement Settlement
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s/%s failed after %d attempts: %s",
		e.Settlement.Queue, e.Settlement.JobID, e.Settlement.Attempts, e.Settlement.Error)
}

// Stats counts the jobs of one queue by list
type Stats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
}
