package alive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// JobKindHeartbeat is the kind of the self-rescheduling heartbeat job.
const JobKindHeartbeat = "heartbeat"

// Job is one unit of work on the queue.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Queue      string    `json:"queue"`
	Hostname   string    `json:"hostname,omitempty"`
	Attempt    int       `json:"attempt"`
	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewHeartbeatJob returns a heartbeat job for queue. hostname travels with the
// job for inspection only.
func NewHeartbeatJob(queue, hostname string) Job {
	return Job{
		ID:       uuid.NewString(),
		Kind:     JobKindHeartbeat,
		Queue:    queue,
		Hostname: hostname,
	}
}

// Validate checks the fields every queue needs.
func (j Job) Validate() error {
	if j.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	if j.Queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidJob)
	}
	if !isKeyToken(j.Queue) {
		return fmt.Errorf("%w: queue %q has invalid characters", ErrInvalidJob, j.Queue)
	}
	return nil
}

// Marshal serializes a job to JSON.
func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Scheduler is the durable job queue the heartbeat re-arms itself through.
// Delivery is at least once; a handler error makes the queue retry the job.
type Scheduler interface {
	// Enqueue runs the job as soon as possible.
	Enqueue(ctx context.Context, job Job) error

	// EnqueueIn runs the job after delay.
	EnqueueIn(ctx context.Context, delay time.Duration, job Job) error
}

// Handler executes a job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// RetryPolicy computes the delay before retry number attempt (1-based).
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy starts at 15s and caps at 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     15 * time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Delay returns the backoff before retry number attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
