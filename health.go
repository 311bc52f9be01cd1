package alive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
)

const defaultHealthCheckTimeout = 5 * time.Second

// LivenessReader is the read side of the heartbeat the health server needs.
type LivenessReader interface {
	Alive(ctx context.Context) (bool, error)
	Registry() *Registry
}

// HealthServer exposes the heartbeat state over HTTP for orchestrators:
//
//	/live       200 while the alive marker and this instance's entry are unexpired
//	/ready      200 while the readiness checks pass (NATS connectivity)
//	/instances  JSON list of live instances
//	/metrics    Prometheus metrics, when enabled
type HealthServer struct {
	addr     string
	reader   LivenessReader
	metrics  *Metrics
	checks   healthcheck.Handler
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// errNotAlive is reported by /live when the heartbeat has lapsed.
var errNotAlive = errors.New("alive marker expired or instance not registered")

// NewHealthServer builds the handler tree. ready checks are added as
// readiness checks; pass none to make /ready always succeed.
func NewHealthServer(addr string, reader LivenessReader, metrics *Metrics, logger *slog.Logger, ready map[string]func() error) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}

	var checks healthcheck.Handler
	if reg := metrics.Registry(); reg != nil {
		checks = healthcheck.NewMetricsHandler(reg, "alive")
	} else {
		checks = healthcheck.NewHandler()
	}

	h := &HealthServer{
		addr:    addr,
		reader:  reader,
		metrics: metrics,
		checks:  checks,
		logger:  logger.With("component", "health"),
	}

	checks.AddLivenessCheck("heartbeat", healthcheck.Timeout(h.checkAlive, defaultHealthCheckTimeout))
	for name, check := range ready {
		checks.AddReadinessCheck(name, check)
	}
	return h
}

// Handler returns the HTTP handler serving every endpoint.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", h.checks.LiveEndpoint)
	mux.HandleFunc("/ready", h.checks.ReadyEndpoint)
	mux.HandleFunc("/instances", h.handleInstances)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	h.logger.Info("health server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (h *HealthServer) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Stop shuts the HTTP server down.
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(ctx)
	}
}

func (h *HealthServer) checkAlive() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHealthCheckTimeout)
	defer cancel()

	ok, err := h.reader.Alive(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errNotAlive
	}
	return nil
}

// InstancesResponse is the body of /instances.
type InstancesResponse struct {
	Count     int        `json:"count"`
	Instances []Instance `json:"instances"`
	Timestamp time.Time  `json:"timestamp"`
}

func (h *HealthServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	live, err := h.reader.Registry().Live(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.metrics.SetRegisteredInstances(len(live))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(InstancesResponse{
		Count:     len(live),
		Instances: live,
		Timestamp: time.Now(),
	}); err != nil {
		h.logger.Error("failed to encode instances response", "error", err)
	}
}
