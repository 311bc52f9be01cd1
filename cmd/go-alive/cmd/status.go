package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	alive "github.com/ozanturksever/go-alive"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the process type is alive and which instances are live",
	Long: `Read the alive marker and the instance registry from NATS.

With --node, ask that running instance for its own view over NATS
request/reply instead.

Exits non-zero when the alive marker is missing or expired.`,
	RunE: runStatus,
}

var statusNode string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusNode, "node", "", "Query one running instance by ID")
}

func runStatus(cmd *cobra.Command, args []string) error {
	nc, err := connectNATS()
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if statusNode != "" {
		return printNodeStatus(ctx, cmd, nc, statusNode)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cfg := alive.Config{Namespace: getNamespace()}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Namespace:    %s\n", getNamespace())
	fmt.Fprintf(out, "Process type: %s\n", getProcessType())

	store, storeErr := alive.OpenKVStore(ctx, js, alive.KVStoreConfig{
		AliveBucket:     cfg.AliveBucketName(),
		InstancesBucket: cfg.InstancesBucketName(),
	})

	var ok bool
	switch {
	case errors.Is(storeErr, jetstream.ErrBucketNotFound):
		// No agent has ever run in this namespace.
		fmt.Fprintf(out, "Alive:        no\n")
	case storeErr != nil:
		fmt.Fprintf(out, "Alive:        unknown (%v)\n", storeErr)
	default:
		var marker alive.Marker
		marker, ok, err = store.Alive(ctx, getProcessType())
		switch {
		case err != nil:
			fmt.Fprintf(out, "Alive:        unknown (%v)\n", err)
		case ok:
			fmt.Fprintf(out, "Alive:        yes (written by %s, expires in %s)\n",
				marker.Instance, time.Until(marker.ExpiresAt).Round(time.Second))
		default:
			fmt.Fprintf(out, "Alive:        no\n")
		}
	}
	fmt.Fprintln(out)

	instances, err := alive.QueryInstances(ctx, nc, getNamespace())
	if err != nil {
		// No agent is answering; fall back to the bucket.
		if storeErr != nil {
			fmt.Fprintf(out, "Instances: (%v)\n", storeErr)
			return errNotAlive(ok)
		}
		instances.Instances, err = store.Instances(ctx)
		if err != nil {
			fmt.Fprintf(out, "Instances: (%v)\n", err)
			return errNotAlive(ok)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tTYPE\tHOST\tPID\tEXPIRES IN")
	now := time.Now()
	for _, inst := range instances.Instances {
		if inst.IsExpired(now) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", inst.ID, inst.ProcessType, inst.Hostname, inst.PID,
			inst.TimeUntilExpiry(now).Round(time.Second))
	}
	w.Flush()

	return errNotAlive(ok)
}

func printNodeStatus(ctx context.Context, cmd *cobra.Command, nc *nats.Conn, id string) error {
	status, err := alive.QueryStatus(ctx, nc, getNamespace(), id)
	if err != nil {
		return fmt.Errorf("query %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Instance:     %s\n", status.InstanceID)
	fmt.Fprintf(out, "Process type: %s\n", status.ProcessType)
	fmt.Fprintf(out, "Alive:        %t\n", status.Alive)
	fmt.Fprintf(out, "TTL:          %s\n", time.Duration(status.TTLMs)*time.Millisecond)
	fmt.Fprintf(out, "Uptime:       %s\n", (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second))
	if status.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", status.Error)
	}
	return errNotAlive(status.Alive)
}

var errStatusNotAlive = errors.New("not alive")

func errNotAlive(ok bool) error {
	if ok {
		return nil
	}
	return errStatusNotAlive
}
