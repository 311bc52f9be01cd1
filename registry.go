package alive

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Registry tracks the live instances of every process type. Each heartbeat
// pushes its own entry's expiry to now+ttl; entries that stop being refreshed
// are dead and pruned.
type Registry struct {
	store       Store
	processType string
	now         Clock

	// Static identity attached to entries written by this process.
	hostname  string
	pid       int
	startedAt time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the time source used for expiry.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		r.now = clock
	}
}

// WithProcessType records the process type on registered entries.
func WithProcessType(processType string) RegistryOption {
	return func(r *Registry) {
		r.processType = processType
	}
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	hostname, _ := os.Hostname()
	r := &Registry{
		store:     store,
		now:       time.Now,
		hostname:  hostname,
		pid:       os.Getpid(),
		startedAt: processStartTime(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts the entry for id with expiry now+ttl.
func (r *Registry) Register(ctx context.Context, id string, ttl time.Duration) (Instance, error) {
	now := r.now()
	inst := Instance{
		ID:           id,
		Hostname:     r.hostname,
		PID:          r.pid,
		ProcessType:  r.processType,
		StartedAt:    r.startedAt,
		RegisteredAt: now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := r.store.PutInstance(ctx, inst); err != nil {
		return Instance{}, fmt.Errorf("register instance %s: %w", id, err)
	}
	return inst, nil
}

// Deregister removes the entry for id.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("deregister instance %s: %w", id, err)
	}
	return nil
}

// Live returns the unexpired entries, soonest expiry first.
func (r *Registry) Live(ctx context.Context) ([]Instance, error) {
	all, err := r.store.Instances(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := make([]Instance, 0, len(all))
	for _, inst := range all {
		if !inst.IsExpired(now) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// IsRegistered reports whether id has an unexpired entry.
func (r *Registry) IsRegistered(ctx context.Context, id string) (bool, error) {
	live, err := r.Live(ctx)
	if err != nil {
		return false, err
	}
	for _, inst := range live {
		if inst.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// Prune deletes expired entries and returns how many were removed. Each
// delete re-checks the stored entry, so an instance that refreshes while the
// prune runs keeps its entry.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	all, err := r.store.Instances(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	pruned := 0
	for _, inst := range all {
		if !inst.IsExpired(now) {
			// Sorted by expiry, nothing after this one is expired either.
			break
		}
		deleted, err := r.store.DeleteInstanceIfExpired(ctx, inst.ID, now)
		if err != nil {
			return pruned, fmt.Errorf("prune instance %s: %w", inst.ID, err)
		}
		if deleted {
			pruned++
		}
	}
	return pruned, nil
}
