package alive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatFixture struct {
	hb      *Heartbeat
	store   *MemoryStore
	sched   *recordingScheduler
	clock   *fakeClock
	metrics *Metrics
}

func newHeartbeatFixture(t *testing.T, cfg Config) *heartbeatFixture {
	t.Helper()

	if cfg.InstanceID == "" {
		cfg.InstanceID = "web-1"
	}
	if cfg.TimeToLive == 0 {
		cfg.TimeToLive = 60 * time.Second
	}

	clk := newFakeClock()
	store := NewMemoryStore(WithMemoryClock(clk.Now))
	reg := NewRegistry(store, WithRegistryClock(clk.Now))
	sched := &recordingScheduler{}
	metrics := NewMetrics(prometheus.Labels{"instance": cfg.InstanceID})

	hb, err := NewHeartbeat(cfg, store, reg, sched, WithMetrics(metrics), WithHeartbeatClock(clk.Now))
	require.NoError(t, err)

	return &heartbeatFixture{hb: hb, store: store, sched: sched, clock: clk, metrics: metrics}
}

func (f *heartbeatFixture) alive(t *testing.T) bool {
	t.Helper()
	ok, err := f.hb.Alive(context.Background())
	require.NoError(t, err)
	return ok
}

func (f *heartbeatFixture) cycles(outcome string) float64 {
	return promtestutil.ToFloat64(f.metrics.CyclesTotal.WithLabelValues(outcome))
}

func TestNewHeartbeat_Validation(t *testing.T) {
	store := NewMemoryStore()
	sched := &recordingScheduler{}

	_, err := NewHeartbeat(Config{}, nil, nil, sched)
	assert.Error(t, err)

	_, err = NewHeartbeat(Config{}, store, nil, nil)
	assert.Error(t, err)

	_, err = NewHeartbeat(Config{TimeToLive: -time.Second}, store, nil, sched)
	assert.Error(t, err)

	hb, err := NewHeartbeat(Config{}, store, nil, sched)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeToLive, hb.TimeToLive())
	assert.NotNil(t, hb.Registry())
}

func TestRunCycle_WritesAndReschedulesAtHalfTTL(t *testing.T) {
	f := newHeartbeatFixture(t, Config{ProcessType: "worker"})
	ctx := context.Background()

	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))

	m, ok, err := f.store.Alive(ctx, "worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web-1", m.Instance)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), m.ExpiresAt)

	live, err := f.hb.Registry().Live(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "web-1", live[0].ID)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), live[0].ExpiresAt)

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 30*time.Second, jobs[0].delay)
	assert.Equal(t, JobKindHeartbeat, jobs[0].job.Kind)
	assert.Equal(t, "host-a", jobs[0].job.Hostname)
	assert.Equal(t, f.hb.Queue(), jobs[0].job.Queue)

	assert.Equal(t, 1.0, f.cycles(OutcomeSuccess))
	assert.True(t, f.alive(t))
}

func TestRunCycle_DefaultHostname(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})

	require.NoError(t, f.hb.RunCycle(context.Background(), ""))

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "web-1", jobs[0].job.Hostname)
}

func TestRunCycle_ProbeRejected(t *testing.T) {
	f := newHeartbeatFixture(t, Config{
		LivenessProbe: func(context.Context) (bool, error) { return false, nil },
	})
	ctx := context.Background()

	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))

	_, ok, err := f.store.Alive(ctx, DefaultProcessType)
	require.NoError(t, err)
	assert.False(t, ok, "a rejected cycle must not write the marker")

	live, err := f.hb.Registry().Live(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, f.sched.Jobs(), "a rejected cycle must not reschedule")
	assert.Equal(t, 1.0, f.cycles(OutcomeProbeRejected))
}

func TestRunCycle_ProbeError(t *testing.T) {
	boom := errors.New("boom")
	f := newHeartbeatFixture(t, Config{
		LivenessProbe: func(context.Context) (bool, error) { return true, boom },
	})
	ctx := context.Background()

	err := f.hb.RunCycle(ctx, "host-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrProbeFailed)

	_, ok, _ := f.store.Alive(ctx, DefaultProcessType)
	assert.False(t, ok)
	assert.Empty(t, f.sched.Jobs())
	assert.Equal(t, 1.0, f.cycles(OutcomeFailed))
}

func TestRunCycle_ProbePanic(t *testing.T) {
	f := newHeartbeatFixture(t, Config{
		LivenessProbe: func(context.Context) (bool, error) { panic("probe exploded") },
	})

	err := f.hb.RunCycle(context.Background(), "host-a")
	assert.ErrorIs(t, err, ErrProbeFailed)
	assert.Empty(t, f.sched.Jobs())
}

func TestRunCycle_CallbackFailureDoesNotBlockReschedule(t *testing.T) {
	tests := []struct {
		name     string
		callback Callback
	}{
		{name: "error", callback: func(context.Context) error { return errors.New("webhook down") }},
		{name: "panic", callback: func(context.Context) error { panic("callback exploded") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHeartbeatFixture(t, Config{Callback: tt.callback})

			require.NoError(t, f.hb.RunCycle(context.Background(), "host-a"))
			assert.True(t, f.alive(t))
			assert.Len(t, f.sched.Jobs(), 1)
			assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.CallbackErrorsTotal))
			assert.Equal(t, 1.0, f.cycles(OutcomeSuccess))
		})
	}
}

func TestRunCycle_CallbackRunsAfterWrite(t *testing.T) {
	var f *heartbeatFixture
	var sawMarker atomic.Bool
	f = newHeartbeatFixture(t, Config{
		Callback: func(ctx context.Context) error {
			_, ok, err := f.store.Alive(ctx, DefaultProcessType)
			sawMarker.Store(ok && err == nil)
			return nil
		},
	})

	require.NoError(t, f.hb.RunCycle(context.Background(), "host-a"))
	assert.True(t, sawMarker.Load())
}

func TestRunCycle_TimeoutInProbe(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newHeartbeatFixture(t, Config{
		CycleTimeout: 50 * time.Millisecond,
		// Ignores its context on purpose.
		LivenessProbe: func(context.Context) (bool, error) {
			<-release
			return true, nil
		},
	})

	start := time.Now()
	err := f.hb.RunCycle(context.Background(), "host-a")
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.sched.Jobs(), "a timed out cycle must not reschedule")
	assert.Equal(t, 1.0, f.cycles(OutcomeTimeout))
}

func TestRunCycle_TimeoutInCallback(t *testing.T) {
	f := newHeartbeatFixture(t, Config{
		CycleTimeout: 50 * time.Millisecond,
		Callback: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	err := f.hb.RunCycle(context.Background(), "host-a")
	assert.ErrorIs(t, err, ErrCycleTimeout)

	// The write happened before the deadline; only the reschedule is lost.
	assert.True(t, f.alive(t))
	assert.Empty(t, f.sched.Jobs())
}

func TestRunCycle_ParentCanceled(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.hb.RunCycle(ctx, "host-a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCycleTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.sched.Jobs())
}

func TestRunCycle_StoreError(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	require.NoError(t, f.store.Close())

	err := f.hb.RunCycle(context.Background(), "host-a")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Empty(t, f.sched.Jobs())
	assert.Equal(t, 1.0, f.cycles(OutcomeFailed))
}

func TestRunCycle_RescheduleError(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	queueDown := errors.New("queue down")
	f.sched.err = queueDown

	err := f.hb.RunCycle(context.Background(), "host-a")
	assert.ErrorIs(t, err, queueDown)
	// The marker was still refreshed.
	assert.True(t, f.alive(t))
}

func TestRunCycle_OverlappingCyclesConverge(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.hb.RunCycle(ctx, "host-a"))
		}()
	}
	wg.Wait()

	live, err := f.hb.Registry().Live(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)
	assert.Len(t, f.sched.Jobs(), 8)
}

// Cycles 1 and 2 write, cycle 3 is rejected by the probe. The marker then
// lapses one TTL after cycle 2's write.
func TestRunCycle_ProbeToggleLetsMarkerExpire(t *testing.T) {
	var cycle atomic.Int32
	f := newHeartbeatFixture(t, Config{
		LivenessProbe: func(context.Context) (bool, error) {
			return cycle.Add(1) < 3, nil
		},
	})
	ctx := context.Background()
	interval := f.hb.TimeToLive() / 2

	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))
	assert.True(t, f.alive(t))

	f.clock.Advance(interval)
	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))
	assert.True(t, f.alive(t))

	f.clock.Advance(interval)
	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))
	assert.Len(t, f.sched.Jobs(), 2, "the rejected cycle must not reschedule")
	assert.True(t, f.alive(t), "cycle 2's marker is still valid")

	f.clock.Advance(interval - time.Second)
	assert.True(t, f.alive(t))

	f.clock.Advance(time.Second)
	assert.False(t, f.alive(t), "marker must lapse one TTL after the last write")
}

func TestRunCycle_ContinuousCyclesNeverExpire(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, f.hb.RunCycle(ctx, "host-a"))
		jobs := f.sched.Jobs()
		f.clock.Advance(jobs[len(jobs)-1].delay)
		assert.True(t, f.alive(t), "cycle %d", i)
	}
}

func TestHeartbeat_KickoffAndHandler(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.hb.Kickoff(ctx))
	jobs := f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].delay)
	assert.Equal(t, "web-1", jobs[0].job.Hostname)

	require.NoError(t, f.hb.Handler()(ctx, jobs[0].job))
	assert.True(t, f.alive(t))
	assert.Len(t, f.sched.Jobs(), 2)
}

func TestHeartbeat_AliveNeedsRegistryEntry(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))
	require.NoError(t, f.hb.Registry().Deregister(ctx, f.hb.InstanceID()))

	assert.False(t, f.alive(t))
}
