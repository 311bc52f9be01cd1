package alive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultNamespace     = "alive"
	DefaultProcessType   = "worker"
	DefaultTimeToLive    = 60 * time.Second
	DefaultCycleTimeout  = 30 * time.Second
	DefaultReconnectWait = 2 * time.Second
	DefaultMaxReconnects = -1 // Unlimited
	DefaultConcurrency   = 4
	DefaultMaxRetries    = 25
	DefaultHealthAddr    = ":7433"
)

// Config configures the heartbeat agent.
type Config struct {
	// Namespace prefixes every bucket, stream and subject.
	Namespace string

	// ProcessType names the alive marker; all instances of one type share it.
	ProcessType string

	// InstanceID identifies this process in the registry. Defaults to hostname-pid.
	InstanceID string

	NATSURLs        []string
	NATSCredentials string

	// Timing configuration
	TimeToLive   time.Duration
	CycleTimeout time.Duration

	// Hooks
	LivenessProbe    LivenessProbe
	Callback         Callback
	ShutdownCallback Callback

	// Queue configuration
	Concurrency int
	MaxRetries  int

	// Connection resilience configuration
	ReconnectWait time.Duration
	MaxReconnects int

	// HealthAddr is the HTTP listen address for /live, /ready and /instances.
	// Empty disables the HTTP server.
	HealthAddr     string
	MetricsEnabled bool

	Logger *slog.Logger
}

// DefaultConfig returns a Config with every default applied and metrics enabled.
func DefaultConfig() Config {
	cfg := Config{MetricsEnabled: true, HealthAddr: DefaultHealthAddr}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) Validate() error {
	if c.TimeToLive < 0 {
		return fmt.Errorf("TimeToLive must be positive")
	}
	if c.CycleTimeout < 0 {
		return fmt.Errorf("CycleTimeout must be positive")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("Concurrency must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must not be negative")
	}
	if c.Namespace != "" && SanitizeKey(c.Namespace) != c.Namespace {
		return fmt.Errorf("Namespace may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// validateAgent adds the checks that only matter when connecting to NATS.
func (c *Config) validateAgent() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.ProcessType == "" {
		c.ProcessType = DefaultProcessType
	}
	if c.InstanceID == "" {
		c.InstanceID = DefaultInstanceID()
	}
	if c.TimeToLive == 0 {
		c.TimeToLive = DefaultTimeToLive
	}
	if c.CycleTimeout == 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	if c.LivenessProbe == nil {
		c.LivenessProbe = AlwaysAlive
	}
	if c.Callback == nil {
		c.Callback = NoOpCallback
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RescheduleInterval is the delay between two heartbeat cycles: half the TTL,
// so one missed cycle never lets the marker expire.
func (c *Config) RescheduleInterval() time.Duration {
	return c.TimeToLive / 2
}

// QueueName returns the job queue consumed by this instance only.
func (c *Config) QueueName() string {
	return "alive-" + SanitizeKey(c.InstanceID)
}

// AliveBucketName returns the KV bucket holding alive markers.
func (c *Config) AliveBucketName() string {
	return fmt.Sprintf("%s_alive", c.Namespace)
}

// InstancesBucketName returns the KV bucket holding the instance registry.
func (c *Config) InstancesBucketName() string {
	return fmt.Sprintf("%s_instances", c.Namespace)
}

// StreamName returns the JetStream stream backing the job queue.
func (c *Config) StreamName() string {
	return strings.ToUpper(c.Namespace) + "_JOBS"
}

// ServiceName returns the micro service name for this namespace.
func (c *Config) ServiceName() string {
	return fmt.Sprintf("%s_alive", c.Namespace)
}

// DefaultInstanceID returns hostname-pid, falling back to "localhost" when the
// hostname cannot be read. HOSTNAME wins over the kernel hostname so that
// container orchestrators can pin it.
func DefaultInstanceID() string {
	host := os.Getenv("HOSTNAME")
	if host == "" {
		host, _ = os.Hostname()
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// FileConfig represents the agent configuration loaded from a JSON file.
type FileConfig struct {
	Namespace   string         `json:"namespace,omitempty"`
	ProcessType string         `json:"processType,omitempty"`
	InstanceID  string         `json:"instanceId,omitempty"`
	NATS        NATSFileConfig `json:"nats"`
	Heartbeat   HeartbeatFile  `json:"heartbeat,omitempty"`
	Queue       QueueFile      `json:"queue,omitempty"`
	HealthAddr  string         `json:"healthAddr,omitempty"`
	Metrics     *bool          `json:"metrics,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers       []string `json:"servers"`
	Credentials   string   `json:"credentials,omitempty"`
	ReconnectWait int64    `json:"reconnectWaitMs,omitempty"`
	MaxReconnects int      `json:"maxReconnects,omitempty"`
}

// HeartbeatFile contains heartbeat timing.
type HeartbeatFile struct {
	TimeToLiveMs   int64 `json:"timeToLiveMs,omitempty"`
	CycleTimeoutMs int64 `json:"cycleTimeoutMs,omitempty"`
}

// QueueFile contains job queue settings.
type QueueFile struct {
	Concurrency int `json:"concurrency,omitempty"`
	MaxRetries  int `json:"maxRetries,omitempty"`
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteConfigToFile writes the configuration to a JSON file.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the file configuration.
func (c *FileConfig) Validate() error {
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}
	if c.Heartbeat.TimeToLiveMs < 0 {
		return fmt.Errorf("heartbeat.timeToLiveMs must be positive")
	}
	if c.Heartbeat.CycleTimeoutMs < 0 {
		return fmt.Errorf("heartbeat.cycleTimeoutMs must be positive")
	}
	return nil
}

// ToConfig converts FileConfig to the Config used by Agent. Hooks are not
// expressible in a file and must be set on the returned value.
func (c *FileConfig) ToConfig(logger *slog.Logger) Config {
	metrics := true
	if c.Metrics != nil {
		metrics = *c.Metrics
	}
	healthAddr := c.HealthAddr
	if healthAddr == "" {
		healthAddr = DefaultHealthAddr
	}
	return Config{
		Namespace:       c.Namespace,
		ProcessType:     c.ProcessType,
		InstanceID:      c.InstanceID,
		NATSURLs:        c.NATS.Servers,
		NATSCredentials: c.NATS.Credentials,
		TimeToLive:      time.Duration(c.Heartbeat.TimeToLiveMs) * time.Millisecond,
		CycleTimeout:    time.Duration(c.Heartbeat.CycleTimeoutMs) * time.Millisecond,
		Concurrency:     c.Queue.Concurrency,
		MaxRetries:      c.Queue.MaxRetries,
		ReconnectWait:   time.Duration(c.NATS.ReconnectWait) * time.Millisecond,
		MaxReconnects:   c.NATS.MaxReconnects,
		HealthAddr:      healthAddr,
		MetricsEnabled:  metrics,
		Logger:          logger,
	}
}
