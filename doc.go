// Package alive provides a distributed liveness heartbeat for worker
// processes, backed by NATS JetStream.
//
// A heartbeat job proves that a worker is alive by writing a time-bounded
// alive marker into a shared KV bucket and refreshing the worker's entry in an
// instance registry. Each run queues the next one at half the TTL on a durable
// JetStream work queue, so the heartbeat survives restarts of the scheduler
// and stops by itself once the worker can no longer run jobs. Nothing watches
// the marker from inside the process: if cycles stop, the marker expires.
//
// # Quick Start
//
//	func main() {
//	    agent, err := alive.NewAgent(alive.Config{
//	        ProcessType: "worker",
//	        NATSURLs:    []string{"nats://localhost:4222"},
//	        TimeToLive:  time.Minute,
//	        LivenessProbe: alive.MaxRSSProbe(2 << 30),
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	    defer stop()
//
//	    if err := agent.Run(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Heartbeat cycle
//
// Every cycle runs under [Config.CycleTimeout]:
//
//   - The [LivenessProbe] may reject the cycle. Nothing is written and the
//     cycle is not re-armed, so the marker lapses after one TTL.
//   - The marker for [Config.ProcessType] and this instance's registry entry
//     are upserted with expiry now+TTL.
//   - The [Callback] runs; its failure never fails the cycle.
//   - The next cycle is queued at TTL/2.
//
// Probe, store and queue errors, and the cycle timeout, fail the cycle. The
// queue then retries it with exponential backoff.
//
// # Configuration
//
// The [Config] struct contains all configuration options:
//
//   - NATSURLs: NATS server URLs (required by [Agent])
//   - Namespace: prefix of buckets, stream and subjects (default: "alive")
//   - ProcessType: name of the alive marker (default: "worker")
//   - InstanceID: registry key of this process (default: hostname-pid)
//   - TimeToLive: marker and registry TTL (default: 60s)
//   - CycleTimeout: upper bound on one cycle (default: 30s)
//
// # Testing
//
// [MemoryStore] implements [Store] in process and takes a [Clock], so a
// [Heartbeat] can be driven cycle by cycle without NATS.
package alive
