// Package cmd provides the CLI commands for go-alive.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	alive "github.com/ozanturksever/go-alive"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	natsURL     string
	namespace   string
	processType string
	instanceID  string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "go-alive",
	Short: "Distributed liveness heartbeat for worker processes",
	Long: `go-alive keeps a TTL'd alive marker and an instance registry in NATS
JetStream KV, refreshed by a heartbeat job that reschedules itself on a
durable JetStream queue.

Use go-alive to run the agent next to a worker or to inspect who is alive.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-alive.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL (default nats://localhost:4222)")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "Bucket and stream namespace (default \"alive\")")
	rootCmd.PersistentFlags().StringVarP(&processType, "process-type", "t", "", "Process type the alive marker is kept for (default \"worker\")")
	rootCmd.PersistentFlags().StringVar(&instanceID, "instance", "", "Instance ID (default: hostname-pid)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("process_type", rootCmd.PersistentFlags().Lookup("process-type"))
	viper.BindPFlag("instance_id", rootCmd.PersistentFlags().Lookup("instance"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.BindEnv("nats_url", "NATS_URL")
	viper.BindEnv("nats_creds", "NATS_CREDS")
	viper.BindEnv("namespace", "ALIVE_NAMESPACE")
	viper.BindEnv("process_type", "ALIVE_PROCESS_TYPE")
	viper.BindEnv("instance_id", "ALIVE_INSTANCE_ID")

	viper.SetDefault("nats_url", "nats://localhost:4222")
	viper.SetDefault("namespace", alive.DefaultNamespace)
	viper.SetDefault("process_type", alive.DefaultProcessType)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/go-alive")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".go-alive")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getNATSURL() string {
	return viper.GetString("nats_url")
}

func getNATSCreds() string {
	return viper.GetString("nats_creds")
}

// connectNATS dials the configured server for one-shot commands.
func connectNATS() (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("go-alive cli")}
	if creds := getNATSCreds(); creds != "" {
		opts = append(opts, nats.UserCredentials(creds))
	}
	return nats.Connect(getNATSURL(), opts...)
}

func getNamespace() string {
	return viper.GetString("namespace")
}

func getProcessType() string {
	return viper.GetString("process_type")
}

func getInstanceID() string {
	if id := viper.GetString("instance_id"); id != "" {
		return id
	}
	return alive.DefaultInstanceID()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
