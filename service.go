package alive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// DefaultServiceVersion is the version advertised by the micro service.
const DefaultServiceVersion = "1.0.0"

// StatusResponse represents the response from the status endpoint.
type StatusResponse struct {
	InstanceID  string `json:"instanceId"`
	ProcessType string `json:"processType"`
	Alive       bool   `json:"alive"`
	Error       string `json:"error,omitempty"`
	UptimeMs    int64  `json:"uptimeMs"`
	TTLMs       int64  `json:"ttlMs"`
}

// Service answers status queries for one instance over NATS request/reply,
// so operators can ask a specific worker whether it considers itself alive.
type Service struct {
	namespace   string
	processType string
	heartbeat   *Heartbeat
	logger      *slog.Logger
	nc          *nats.Conn

	mu        sync.RWMutex
	service   micro.Service
	startedAt time.Time
}

// NewService creates the status micro service for hb.
func NewService(cfg Config, nc *nats.Conn, hb *Heartbeat) (*Service, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if hb == nil {
		return nil, fmt.Errorf("heartbeat is required")
	}
	cfg.applyDefaults()

	return &Service{
		namespace:   cfg.Namespace,
		processType: cfg.ProcessType,
		heartbeat:   hb,
		logger:      cfg.Logger.With("component", "service", "instance", hb.InstanceID()),
		nc:          nc,
	}, nil
}

// Start registers the service and its endpoints.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service != nil {
		return ErrAlreadyStarted
	}

	srv, err := micro.AddService(s.nc, micro.Config{
		Name:        fmt.Sprintf("%s_alive", s.namespace),
		Version:     DefaultServiceVersion,
		Description: fmt.Sprintf("Liveness status for %s", s.namespace),
	})
	if err != nil {
		return fmt.Errorf("failed to create micro service: %w", err)
	}

	statusSubject := StatusSubject(s.namespace, s.heartbeat.InstanceID())
	if err := srv.AddEndpoint("status", micro.HandlerFunc(s.handleStatus),
		micro.WithEndpointSubject(statusSubject),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add status endpoint: %w", err)
	}

	// Every instance answers; requesters take the first reply.
	if err := srv.AddEndpoint("instances", micro.HandlerFunc(s.handleInstances),
		micro.WithEndpointSubject(InstancesSubject(s.namespace)),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add instances endpoint: %w", err)
	}

	s.service = srv
	s.startedAt = time.Now()

	s.logger.Info("micro service started", "status_subject", statusSubject)
	return nil
}

// Stop stops the micro service.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service == nil {
		return nil
	}
	if err := s.service.Stop(); err != nil {
		return fmt.Errorf("failed to stop micro service: %w", err)
	}
	s.service = nil
	return nil
}

func (s *Service) handleStatus(req micro.Request) {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := StatusResponse{
		InstanceID:  s.heartbeat.InstanceID(),
		ProcessType: s.processType,
		UptimeMs:    time.Since(startedAt).Milliseconds(),
		TTLMs:       s.heartbeat.TimeToLive().Milliseconds(),
	}
	alive, err := s.heartbeat.Alive(ctx)
	resp.Alive = alive
	if err != nil {
		resp.Error = err.Error()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal status response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}
	req.Respond(data)
}

func (s *Service) handleInstances(req micro.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	live, err := s.heartbeat.Registry().Live(ctx)
	if err != nil {
		req.Error("503", err.Error(), nil)
		return
	}

	data, err := json.Marshal(InstancesResponse{
		Count:     len(live),
		Instances: live,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Error("failed to marshal instances response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}
	req.Respond(data)
}

// StatusSubject returns the subject for querying one instance's status.
func StatusSubject(namespace, instanceID string) string {
	return fmt.Sprintf("%s_alive.status.%s", namespace, SanitizeKey(instanceID))
}

// InstancesSubject returns the subject for listing live instances.
func InstancesSubject(namespace string) string {
	return fmt.Sprintf("%s_alive.instances", namespace)
}

// QueryStatus asks one instance for its status.
func QueryStatus(ctx context.Context, nc *nats.Conn, namespace, instanceID string) (StatusResponse, error) {
	msg, err := nc.RequestWithContext(ctx, StatusSubject(namespace, instanceID), nil)
	if err != nil {
		return StatusResponse{}, err
	}
	if code := msg.Header.Get(micro.ErrorCodeHeader); code != "" {
		return StatusResponse{}, fmt.Errorf("status %s: %s", code, msg.Header.Get(micro.ErrorHeader))
	}
	var resp StatusResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// QueryInstances asks any running instance for the live instance list.
func QueryInstances(ctx context.Context, nc *nats.Conn, namespace string) (InstancesResponse, error) {
	msg, err := nc.RequestWithContext(ctx, InstancesSubject(namespace), nil)
	if err != nil {
		return InstancesResponse{}, err
	}
	if code := msg.Header.Get(micro.ErrorCodeHeader); code != "" {
		return InstancesResponse{}, fmt.Errorf("instances %s: %s", code, msg.Header.Get(micro.ErrorHeader))
	}
	var resp InstancesResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return InstancesResponse{}, err
	}
	return resp, nil
}
