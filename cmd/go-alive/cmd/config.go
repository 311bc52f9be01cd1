package cmd

import (
	"fmt"
	"strings"

	alive "github.com/ozanturksever/go-alive"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agent config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a JSON agent config with the current settings",
	Long: `Write a JSON agent config for 'go-alive run --agent-config'.

Example:
  go-alive config init --out /etc/go-alive/agent.json --process-type worker`,
	RunE: runConfigInit,
}

var configOut string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVarP(&configOut, "out", "o", "go-alive.json", "Output path")
	configInitCmd.Flags().Duration("ttl", alive.DefaultTimeToLive, "Alive marker time to live")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")

	fc := &alive.FileConfig{
		Namespace:   getNamespace(),
		ProcessType: getProcessType(),
		NATS: alive.NATSFileConfig{
			Servers: strings.Split(getNATSURL(), ","),
		},
		Heartbeat: alive.HeartbeatFile{
			TimeToLiveMs:   ttl.Milliseconds(),
			CycleTimeoutMs: alive.DefaultCycleTimeout.Milliseconds(),
		},
	}
	if err := fc.Validate(); err != nil {
		return err
	}
	if err := alive.WriteConfigToFile(fc, configOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configOut)
	return nil
}
