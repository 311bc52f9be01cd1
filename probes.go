package alive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/process"
)

// MaxRSSProbe rejects the cycle once this process's resident set size exceeds
// limit bytes. A leaking worker then stops heartbeating and gets restarted by
// whatever watches the alive marker.
func MaxRSSProbe(limit uint64) LivenessProbe {
	return func(ctx context.Context) (bool, error) {
		proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return false, fmt.Errorf("inspect process: %w", err)
		}
		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return false, fmt.Errorf("read memory info: %w", err)
		}
		return mem.RSS <= limit, nil
	}
}

// NATSConnectedProbe rejects the cycle while nc is not connected.
func NATSConnectedProbe(nc *nats.Conn) LivenessProbe {
	return func(context.Context) (bool, error) {
		return nc != nil && nc.IsConnected(), nil
	}
}

// AllProbes passes only if every probe passes. It stops at the first
// rejection or error.
func AllProbes(probes ...LivenessProbe) LivenessProbe {
	return func(ctx context.Context) (bool, error) {
		for _, p := range probes {
			if p == nil {
				continue
			}
			ok, err := p(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// processStartTime returns when this process started, or the zero time if
// the platform does not expose it.
func processStartTime() time.Time {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return time.Time{}
	}
	ms, err := proc.CreateTime()
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
