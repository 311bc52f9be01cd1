package alive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/ozanturksever/go-alive"

// Heartbeat runs heartbeat cycles. It keeps no state between cycles: every
// cycle writes to the store and, on success, queues the next one through the
// scheduler. If the process dies the queued job is still there; if cycles
// stop, the marker expires.
type Heartbeat struct {
	store       Store
	registry    *Registry
	scheduler   Scheduler
	metrics     *Metrics
	logger      *slog.Logger
	now         Clock
	processType string
	instanceID  string
	queue       string
	ttl         time.Duration
	timeout     time.Duration
	probe       LivenessProbe
	callback    Callback
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithMetrics records cycle outcomes on m.
func WithMetrics(m *Metrics) HeartbeatOption {
	return func(h *Heartbeat) {
		h.metrics = m
	}
}

// WithHeartbeatClock sets the time source used for durations.
func WithHeartbeatClock(clock Clock) HeartbeatOption {
	return func(h *Heartbeat) {
		h.now = clock
	}
}

// NewHeartbeat creates the heartbeat task. cfg is validated and defaulted;
// the registry is built over store unless one is passed explicitly.
func NewHeartbeat(cfg Config, store Store, registry *Registry, scheduler Scheduler, opts ...HeartbeatOption) (*Heartbeat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if registry == nil {
		registry = NewRegistry(store, WithProcessType(cfg.ProcessType))
	}

	h := &Heartbeat{
		store:       store,
		registry:    registry,
		scheduler:   scheduler,
		logger:      cfg.Logger.With("component", "heartbeat", "instance", cfg.InstanceID),
		now:         time.Now,
		processType: cfg.ProcessType,
		instanceID:  cfg.InstanceID,
		queue:       cfg.QueueName(),
		ttl:         cfg.TimeToLive,
		timeout:     cfg.CycleTimeout,
		probe:       cfg.LivenessProbe,
		callback:    cfg.Callback,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// cycleResult is what the cycle body hands back to RunCycle.
type cycleResult struct {
	written bool
	err     error
}

// RunCycle runs one heartbeat cycle: probe, write the marker and registry
// entry, run the callback, then queue the next cycle at TTL/2.
//
// A probe rejection returns nil without writing or re-arming. Any other
// failure, including the cycle timeout, is logged and returned so the
// scheduler's retry takes over; the cycle never re-arms itself on failure.
func (h *Heartbeat) RunCycle(ctx context.Context, hostname string) error {
	if hostname == "" {
		hostname = h.instanceID
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "heartbeat.cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("alive.instance", h.instanceID),
		attribute.String("alive.hostname", hostname),
	)

	start := h.now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan cycleResult, 1)
	go func() {
		written, err := h.beat(ctx)
		done <- cycleResult{written: written, err: err}
	}()

	var res cycleResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = cycleResult{err: h.abortErr(ctx)}
	}

	// The body may have finished right as the deadline passed.
	if res.err == nil && ctx.Err() != nil {
		res = cycleResult{err: h.abortErr(ctx)}
	}

	if res.err == nil && res.written {
		job := NewHeartbeatJob(h.queue, hostname)
		if err := h.scheduler.EnqueueIn(ctx, h.ttl/2, job); err != nil {
			res.err = fmt.Errorf("reschedule heartbeat: %w", err)
			if ctx.Err() != nil {
				res.err = h.abortErr(ctx)
			}
		}
	}

	elapsed := h.now().Sub(start)
	switch {
	case res.err != nil:
		outcome := OutcomeFailed
		if errors.Is(res.err, ErrCycleTimeout) {
			outcome = OutcomeTimeout
		}
		h.metrics.ObserveCycle(outcome, elapsed)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, outcome)
		h.logger.Error("heartbeat cycle failed", "hostname", hostname, "error", res.err)
		return res.err
	case !res.written:
		h.metrics.ObserveCycle(OutcomeProbeRejected, elapsed)
		span.SetAttributes(attribute.Bool("alive.probe_rejected", true))
		h.logger.Error("liveness probe failed, heartbeat skipped", "hostname", hostname)
		return nil
	default:
		h.metrics.ObserveCycle(OutcomeSuccess, elapsed)
		return nil
	}
}

// beat is the cycle body. It reports written=false with a nil error when the
// probe rejects the cycle.
func (h *Heartbeat) beat(ctx context.Context) (bool, error) {
	ok, err := invokeProbe(ctx, h.probe)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := h.store.SetAlive(ctx, h.processType, h.instanceID, h.ttl); err != nil {
		return false, fmt.Errorf("store alive key: %w", err)
	}
	if _, err := h.registry.Register(ctx, h.instanceID, h.ttl); err != nil {
		return false, err
	}

	if err := invokeCallback(ctx, h.callback); err != nil {
		h.metrics.IncCallbackErrors()
		h.logger.Debug("heartbeat callback failed", "error", err)
	}
	return true, nil
}

func (h *Heartbeat) abortErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrCycleTimeout, h.timeout, ctx.Err())
	}
	return fmt.Errorf("heartbeat cycle aborted: %w", context.Cause(ctx))
}

// Kickoff queues the first cycle to run immediately.
func (h *Heartbeat) Kickoff(ctx context.Context) error {
	if err := h.scheduler.Enqueue(ctx, NewHeartbeatJob(h.queue, h.instanceID)); err != nil {
		return fmt.Errorf("enqueue first heartbeat: %w", err)
	}
	return nil
}

// Handler adapts RunCycle to a queue Handler.
func (h *Heartbeat) Handler() Handler {
	return func(ctx context.Context, job Job) error {
		return h.RunCycle(ctx, job.Hostname)
	}
}

// Alive reports whether the marker for this process type is present and
// unexpired and this instance's registry entry is unexpired.
func (h *Heartbeat) Alive(ctx context.Context) (bool, error) {
	_, ok, err := h.store.Alive(ctx, h.processType)
	if err != nil || !ok {
		return false, err
	}
	return h.registry.IsRegistered(ctx, h.instanceID)
}

// Registry returns the instance registry the heartbeat writes to.
func (h *Heartbeat) Registry() *Registry {
	return h.registry
}

// InstanceID returns the registry id of this process.
func (h *Heartbeat) InstanceID() string {
	return h.instanceID
}

// Queue returns the queue this instance's heartbeat jobs run on.
func (h *Heartbeat) Queue() string {
	return h.queue
}

// TimeToLive returns the configured TTL.
func (h *Heartbeat) TimeToLive() time.Duration {
	return h.ttl
}
