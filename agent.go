package alive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	connectRetryMaxElapsed = 30 * time.Second
	shutdownTimeout        = 10 * time.Second
)

// Agent runs the heartbeat for one process: it connects to NATS, creates the
// store and the job queue, serves health and status, and queues the first
// heartbeat cycle. From then on the cycle re-arms itself through the queue.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	nc        *nats.Conn
	js        jetstream.JetStream
	store     *KVStore
	queue     *Queue
	heartbeat *Heartbeat
	health    *HealthServer
	service   *Service
	metrics   *Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgent validates cfg and returns an agent ready to Start.
func NewAgent(cfg Config) (*Agent, error) {
	if err := cfg.validateAgent(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	a := &Agent{
		cfg: cfg,
		logger: cfg.Logger.With("component", "agent", "namespace", cfg.Namespace,
			"process_type", cfg.ProcessType, "instance", cfg.InstanceID),
	}
	if cfg.MetricsEnabled {
		a.metrics = NewMetrics(prometheus.Labels{
			"namespace":    cfg.Namespace,
			"process_type": cfg.ProcessType,
			"instance":     cfg.InstanceID,
		})
	}
	return a, nil
}

// Start connects and begins heartbeating. The first cycle runs as soon as
// the queue picks it up.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyStarted
	}

	nc, err := a.connectNATS(ctx)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nc = nc

	// Background work lives until Stop, not until the caller's ctx is done.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.init(ctx, runCtx); err != nil {
		cancel()
		nc.Close()
		a.nc = nil
		return err
	}

	a.cancel = cancel
	a.wg.Add(1)
	go a.pruneLoop(runCtx, a.heartbeat.Registry())

	a.running = true
	a.logger.Info("agent started", "ttl", a.cfg.TimeToLive, "queue", a.heartbeat.Queue())
	return nil
}

func (a *Agent) init(ctx, runCtx context.Context) error {
	js, err := jetstream.New(a.nc)
	if err != nil {
		return fmt.Errorf("create JetStream: %w", err)
	}
	a.js = js

	store, err := NewKVStore(ctx, js, KVStoreConfig{
		AliveBucket:     a.cfg.AliveBucketName(),
		InstancesBucket: a.cfg.InstancesBucketName(),
		TTL:             a.cfg.TimeToLive,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.store = store

	queue, err := NewQueue(ctx, js, QueueConfig{
		Stream:      a.cfg.StreamName(),
		Namespace:   a.cfg.Namespace,
		Queue:       a.cfg.QueueName(),
		Concurrency: a.cfg.Concurrency,
		MaxRetries:  a.cfg.MaxRetries,
		AckWait:     2 * a.cfg.CycleTimeout,
		Metrics:     a.metrics,
		Logger:      a.cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	a.queue = queue

	hbCfg := a.cfg
	if a.metrics != nil {
		hbCfg.Callback = ChainCallbacks(a.metrics.HeartbeatCallback(), a.cfg.Callback)
	}
	hb, err := NewHeartbeat(hbCfg, store, nil, queue, WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.heartbeat = hb
	queue.Handle(JobKindHeartbeat, hb.Handler())

	// A previous process with this instance ID may have died without
	// purging; its pending heartbeat would run next to the new chain.
	if err := queue.Purge(ctx); err != nil {
		return fmt.Errorf("purge stale jobs: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if err := hb.Kickoff(ctx); err != nil {
		_ = queue.Stop()
		return err
	}

	service, err := NewService(a.cfg, a.nc, hb)
	if err == nil {
		err = service.Start()
	}
	if err != nil {
		// Non-fatal - continue without micro service
		a.logger.Warn("failed to start micro service", "error", err)
	} else {
		a.service = service
	}

	if a.cfg.HealthAddr != "" {
		health := NewHealthServer(a.cfg.HealthAddr, hb, a.metrics, a.cfg.Logger, map[string]func() error{
			"nats": a.checkNATS,
		})
		if err := health.Start(runCtx); err != nil {
			a.stopService()
			_ = queue.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		a.health = health
	}
	return nil
}

// Stop shuts down gracefully: stop consuming, drop this instance's pending
// heartbeat jobs, remove its registry entry and run the shutdown callback.
// The shared alive marker is left to expire since other instances of the
// same process type may still be refreshing it.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return ErrNotStarted
	}
	a.running = false

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	a.cancel()
	a.wg.Wait()

	var errs []error
	if a.health != nil {
		a.health.Stop()
	}
	a.stopService()

	if err := a.queue.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := a.queue.Purge(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.heartbeat.Registry().Deregister(ctx, a.cfg.InstanceID); err != nil {
		errs = append(errs, err)
	}

	if a.cfg.ShutdownCallback != nil {
		if err := invokeCallback(ctx, a.cfg.ShutdownCallback); err != nil {
			a.logger.Warn("shutdown callback failed", "error", err)
		}
	}

	if a.nc != nil {
		a.nc.Close()
		a.nc = nil
	}

	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// Run starts the agent and blocks until ctx is done, then stops it.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop(context.Background())
}

// Heartbeat returns the heartbeat task; nil before Start.
func (a *Agent) Heartbeat() *Heartbeat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeat
}

// Queue returns the job queue; nil before Start.
func (a *Agent) Queue() *Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

// Metrics returns the agent metrics, nil when disabled.
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

// HealthAddr returns the address the health server is bound to.
func (a *Agent) HealthAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.health == nil {
		return ""
	}
	return a.health.Addr()
}

// Conn returns the NATS connection; nil before Start.
func (a *Agent) Conn() *nats.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nc
}

// pruneLoop removes dead registry entries once per TTL. Every instance runs
// it; concurrent prunes delete the same keys and are harmless.
func (a *Agent) pruneLoop(ctx context.Context, registry *Registry) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.TimeToLive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := registry.Prune(ctx)
			if err != nil {
				a.logger.Warn("registry prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				a.logger.Debug("pruned dead instances", "count", pruned)
			}
			if live, err := registry.Live(ctx); err == nil {
				a.metrics.SetRegisteredInstances(len(live))
			}
		}
	}
}

func (a *Agent) stopService() {
	if a.service != nil {
		if err := a.service.Stop(); err != nil {
			a.logger.Warn("failed to stop micro service", "error", err)
		}
		a.service = nil
	}
}

func (a *Agent) checkNATS() error {
	a.mu.Lock()
	nc := a.nc
	a.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNATSDisconnected
	}
	return nil
}

// connectNATS dials with resilient options, retrying the initial connect
// with exponential backoff since the server may come up after us.
func (a *Agent) connectNATS(ctx context.Context) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("go-alive %s", a.cfg.InstanceID)),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.PingInterval(2 * time.Second),
		nats.MaxPingsOutstanding(2),

		nats.DisconnectErrHandler(a.handleDisconnect),
		nats.ReconnectHandler(a.handleReconnect),
		nats.ClosedHandler(a.handleClosed),
	}
	if a.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(a.cfg.NATSCredentials))
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectRetryMaxElapsed

	var nc *nats.Conn
	err := backoff.Retry(func() error {
		var err error
		nc, err = nats.Connect(strings.Join(a.cfg.NATSURLs, ","), opts...)
		if err != nil {
			a.logger.Warn("NATS connect failed, retrying", "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return nc, nil
}

func (a *Agent) handleDisconnect(_ *nats.Conn, err error) {
	a.logger.Warn("NATS disconnected", "error", err)
}

func (a *Agent) handleReconnect(nc *nats.Conn) {
	a.logger.Info("NATS reconnected", "server", nc.ConnectedUrl())
}

func (a *Agent) handleClosed(*nats.Conn) {
	a.logger.Warn("NATS connection closed")
}
