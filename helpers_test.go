package alive

import (
	"context"
	"sync"
	"time"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledJob struct {
	delay time.Duration
	job   Job
}

// recordingScheduler records enqueued jobs instead of running them.
type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	err  error
}

func (s *recordingScheduler) Enqueue(ctx context.Context, job Job) error {
	return s.EnqueueIn(ctx, 0, job)
}

func (s *recordingScheduler) EnqueueIn(_ context.Context, delay time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, scheduledJob{delay: delay, job: job})
	return nil
}

func (s *recordingScheduler) Jobs() []scheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledJob(nil), s.jobs...)
}
