package alive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// defaultJobMaxAge bounds how long an unconsumed job survives, e.g. the
	// pending heartbeat of a process that crashed and never came back.
	defaultJobMaxAge = 24 * time.Hour

	// defaultConsumerInactive removes the durable consumer of a dead instance.
	defaultConsumerInactive = time.Hour

	defaultAckWait = time.Minute
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Stream is the JetStream stream name; Namespace prefixes job subjects.
	Stream    string
	Namespace string

	// Queue is the queue this process consumes.
	Queue string

	Concurrency int
	MaxRetries  int
	Retry       RetryPolicy

	// AckWait must exceed the longest handler run.
	AckWait time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
	Clock   Clock
}

func (c *QueueConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Queue is a durable job queue on a JetStream work-queue stream. It
// implements Scheduler. Delayed jobs carry their due time and are held back
// with NakWithDelay; failed jobs are re-published with exponential backoff.
type Queue struct {
	cfg    QueueConfig
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	pool     *ants.Pool
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates (or updates) the job stream.
func NewQueue(ctx context.Context, js jetstream.JetStream, cfg QueueConfig) (*Queue, error) {
	if cfg.Stream == "" || cfg.Namespace == "" {
		return nil, fmt.Errorf("stream and namespace are required")
	}
	if !isKeyToken(cfg.Queue) {
		return nil, fmt.Errorf("invalid queue name %q", cfg.Queue)
	}
	cfg.applyDefaults()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: fmt.Sprintf("Jobs for %s", cfg.Namespace),
		Subjects:    []string{fmt.Sprintf("%s.jobs.>", cfg.Namespace)},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      defaultJobMaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs stream: %w", err)
	}

	return &Queue{
		cfg:      cfg,
		js:       js,
		stream:   stream,
		logger:   cfg.Logger.With("component", "queue", "queue", cfg.Queue),
		handlers: make(map[string]Handler),
	}, nil
}

var _ Scheduler = (*Queue)(nil)

// Handle registers the handler for a job kind. Register before Start.
func (q *Queue) Handle(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Subject returns the subject jobs for queue are published on.
func (q *Queue) Subject(queue string) string {
	return fmt.Sprintf("%s.jobs.%s", q.cfg.Namespace, queue)
}

// Enqueue publishes the job to run as soon as it is consumed.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	return q.EnqueueIn(ctx, 0, job)
}

// EnqueueIn publishes the job to run after delay.
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, job Job) error {
	now := q.cfg.Clock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Queue == "" {
		job.Queue = q.cfg.Queue
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	job.EnqueuedAt = now
	job.RunAt = now.Add(delay)

	data, err := job.Marshal()
	if err != nil {
		return err
	}

	// Attempt is part of the message id so a retry is not deduplicated away.
	msgID := fmt.Sprintf("%s-%d", job.ID, job.Attempt)
	if _, err := q.js.Publish(ctx, q.Subject(job.Queue), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Start creates this process's durable consumer and begins executing jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ErrAlreadyStarted
	}

	pool, err := ants.NewPool(q.cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		q.logger.Error("panic in job worker", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:           q.cfg.Queue,
		FilterSubject:     q.Subject(q.cfg.Queue),
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           q.cfg.AckWait,
		MaxDeliver:        -1,
		InactiveThreshold: defaultConsumerInactive,
	})
	if err != nil {
		pool.Release()
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))

	cc, err := consumer.Consume(q.handleMsg, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		q.logger.Warn("job consumer error", "error", err)
	}))
	if err != nil {
		q.cancel()
		pool.Release()
		return fmt.Errorf("failed to consume jobs: %w", err)
	}

	q.pool = pool
	q.consumer = consumer
	q.cc = cc
	q.running = true
	return nil
}

// Stop stops consuming, waits for running jobs, and releases the pool.
// Pending jobs stay in the stream.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotStarted
	}
	q.running = false
	cc := q.cc
	pool := q.pool
	q.mu.Unlock()

	cc.Stop()
	q.wg.Wait()
	q.cancel()
	pool.Release()
	return nil
}

// Purge removes every pending job of this process's queue and its consumer.
// Call after Stop during graceful shutdown.
func (q *Queue) Purge(ctx context.Context) error {
	if err := q.stream.Purge(ctx, jetstream.WithPurgeSubject(q.Subject(q.cfg.Queue))); err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}
	if err := q.stream.DeleteConsumer(ctx, q.cfg.Queue); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("delete consumer: %w", err)
	}
	return nil
}

// Pending returns how many jobs of this process's queue are in the stream,
// including delayed and in-flight ones.
func (q *Queue) Pending(ctx context.Context) (uint64, error) {
	subject := q.Subject(q.cfg.Queue)
	info, err := q.stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return info.State.Subjects[subject], nil
}

// handleMsg runs on the consumer's goroutine; execution goes to the pool.
func (q *Queue) handleMsg(msg jetstream.Msg) {
	job, err := UnmarshalJob(msg.Data())
	if err != nil {
		q.logger.Warn("dropping malformed job", "error", err)
		q.cfg.Metrics.ObserveJob("", JobStatusUnknown)
		_ = msg.Term()
		return
	}

	if wait := job.RunAt.Sub(q.cfg.Clock()); wait > 0 {
		_ = msg.NakWithDelay(wait)
		return
	}

	// wg.Add happens under the read lock so Stop, which flips running under
	// the write lock before waiting, never races it.
	q.mu.RLock()
	if !q.running {
		q.mu.RUnlock()
		_ = msg.Nak()
		return
	}
	handler, ok := q.handlers[job.Kind]
	pool := q.pool
	if ok {
		q.wg.Add(1)
	}
	q.mu.RUnlock()

	if !ok {
		q.logger.Warn("dropping job", "job", job.ID, "error", fmt.Errorf("%w: %s", ErrUnknownJob, job.Kind))
		q.cfg.Metrics.ObserveJob(job.Kind, JobStatusUnknown)
		_ = msg.Term()
		return
	}

	if err := pool.Submit(func() {
		defer q.wg.Done()
		q.execute(msg, job, handler)
	}); err != nil {
		q.wg.Done()
		_ = msg.Nak()
	}
}

// execute runs a due job and settles the message.
func (q *Queue) execute(msg jetstream.Msg, job Job, handler Handler) {
	ctx, span := otel.Tracer(tracerName).Start(q.ctx, "job."+job.Kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("alive.job.id", job.ID),
		attribute.Int("alive.job.attempt", job.Attempt),
	)

	err := runHandler(ctx, handler, job)
	if err == nil {
		q.cfg.Metrics.ObserveJob(job.Kind, JobStatusOK)
		_ = msg.Ack()
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	next := job
	next.Attempt++
	if next.Attempt > q.cfg.MaxRetries {
		q.logger.Error("job retries exhausted, dropping", "job", job.ID, "kind", job.Kind, "attempts", job.Attempt, "error", err)
		q.cfg.Metrics.ObserveJob(job.Kind, JobStatusDead)
		_ = msg.Term()
		return
	}

	delay := q.cfg.Retry.Delay(next.Attempt)
	if pubErr := q.EnqueueIn(ctx, delay, next); pubErr != nil {
		// Could not re-publish; let JetStream redeliver the original instead.
		q.logger.Warn("job retry publish failed", "job", job.ID, "error", pubErr)
		_ = msg.NakWithDelay(delay)
		q.cfg.Metrics.ObserveJob(job.Kind, JobStatusRetry)
		return
	}
	q.cfg.Metrics.ObserveJob(job.Kind, JobStatusRetry)
	_ = msg.Ack()
}

func runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
