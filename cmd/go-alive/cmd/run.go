package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	alive "github.com/ozanturksever/go-alive"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heartbeat agent",
	Long: `Start a go-alive agent for this process.

The agent will:
- Connect to NATS and create the alive and instances KV buckets
- Queue the first heartbeat cycle on this instance's job queue
- Refresh the alive marker and registry entry every TTL/2
- Serve /live, /ready, /instances and /metrics over HTTP

On SIGINT/SIGTERM the agent drops its pending heartbeat jobs and removes its
registry entry.

Example:
  go-alive run --process-type worker --ttl 60s
  go-alive run --agent-config /etc/go-alive/agent.json`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("agent-config", "", "JSON agent config file (see 'go-alive config init')")
	runCmd.Flags().Duration("ttl", alive.DefaultTimeToLive, "Alive marker time to live")
	runCmd.Flags().Duration("cycle-timeout", alive.DefaultCycleTimeout, "Upper bound on one heartbeat cycle")
	runCmd.Flags().String("health-addr", alive.DefaultHealthAddr, "Health check HTTP address (empty disables)")
	runCmd.Flags().Int("concurrency", alive.DefaultConcurrency, "Job worker pool size")
	runCmd.Flags().Int("max-retries", alive.DefaultMaxRetries, "Retries of a failed heartbeat job before it is dropped")
	runCmd.Flags().Uint64("max-rss", 0, "Skip heartbeats once resident memory exceeds this many bytes (0 disables)")
	runCmd.Flags().Bool("no-metrics", false, "Disable Prometheus metrics")

	viper.BindPFlag("agent_config", runCmd.Flags().Lookup("agent-config"))
	viper.BindPFlag("ttl", runCmd.Flags().Lookup("ttl"))
	viper.BindPFlag("cycle_timeout", runCmd.Flags().Lookup("cycle-timeout"))
	viper.BindPFlag("health_addr", runCmd.Flags().Lookup("health-addr"))
	viper.BindPFlag("concurrency", runCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("max_retries", runCmd.Flags().Lookup("max-retries"))
	viper.BindPFlag("max_rss", runCmd.Flags().Lookup("max-rss"))
	viper.BindPFlag("no_metrics", runCmd.Flags().Lookup("no-metrics"))

	viper.BindEnv("ttl", "ALIVE_TTL")
	viper.BindEnv("cycle_timeout", "ALIVE_CYCLE_TIMEOUT")
	viper.BindEnv("health_addr", "ALIVE_HEALTH_ADDR")
	viper.BindEnv("max_rss", "ALIVE_MAX_RSS")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := buildAgentConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting go-alive agent...")
	fmt.Fprintf(out, "  Namespace:    %s\n", cfg.Namespace)
	fmt.Fprintf(out, "  Process type: %s\n", cfg.ProcessType)
	fmt.Fprintf(out, "  Instance:     %s\n", cfg.InstanceID)
	fmt.Fprintf(out, "  NATS URL:     %s\n", strings.Join(cfg.NATSURLs, ","))
	fmt.Fprintf(out, "  TTL:          %s\n", cfg.TimeToLive)
	if cfg.HealthAddr != "" {
		fmt.Fprintf(out, "  Health:       %s\n", cfg.HealthAddr)
	}
	fmt.Fprintln(out)

	agent, err := alive.NewAgent(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		return fmt.Errorf("agent error: %w", err)
	}

	fmt.Fprintln(out, "go-alive agent stopped.")
	return nil
}

// buildAgentConfig prefers a JSON agent config file and lets flags, env and
// the viper config fill in the rest.
func buildAgentConfig() (alive.Config, error) {
	logger := newLogger()

	var cfg alive.Config
	if path := viper.GetString("agent_config"); path != "" {
		fc, err := alive.LoadConfigFromFile(path)
		if err != nil {
			return alive.Config{}, err
		}
		if err := fc.Validate(); err != nil {
			return alive.Config{}, fmt.Errorf("invalid agent config: %w", err)
		}
		cfg = fc.ToConfig(logger)
	} else {
		cfg = alive.Config{
			Namespace:       getNamespace(),
			ProcessType:     getProcessType(),
			InstanceID:      getInstanceID(),
			NATSURLs:        strings.Split(getNATSURL(), ","),
			NATSCredentials: getNATSCreds(),
			TimeToLive:      viper.GetDuration("ttl"),
			CycleTimeout:    viper.GetDuration("cycle_timeout"),
			Concurrency:     viper.GetInt("concurrency"),
			MaxRetries:      viper.GetInt("max_retries"),
			HealthAddr:      viper.GetString("health_addr"),
			MetricsEnabled:  !viper.GetBool("no_metrics"),
			Logger:          logger,
		}
	}

	if limit := viper.GetUint64("max_rss"); limit > 0 {
		cfg.LivenessProbe = alive.MaxRSSProbe(limit)
	}
	if err := cfg.Validate(); err != nil {
		return alive.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
