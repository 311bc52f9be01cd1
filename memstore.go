package alive

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore is an in-process Store. It honours TTLs against its clock and is
// meant for tests and single-process setups where no NATS server is available.
type MemoryStore struct {
	markers   cmap.ConcurrentMap[string, Marker]
	instances cmap.ConcurrentMap[string, Instance]
	now       Clock
	closed    atomic.Bool
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock sets the time source used for expiry.
func WithMemoryClock(clock Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = clock
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		markers:   cmap.New[Marker](),
		instances: cmap.New[Instance](),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// SetAlive stores the marker for key, expiring ttl from now.
func (s *MemoryStore) SetAlive(ctx context.Context, key, instanceID string, ttl time.Duration) (Marker, error) {
	if err := s.check(ctx); err != nil {
		return Marker{}, err
	}
	now := s.now()
	m := Marker{
		Key:       key,
		Instance:  instanceID,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.markers.Set(key, m)
	return m, nil
}

// Alive reads the marker for key. An expired marker is dropped and reports false.
func (s *MemoryStore) Alive(ctx context.Context, key string) (Marker, bool, error) {
	if err := s.check(ctx); err != nil {
		return Marker{}, false, err
	}
	m, ok := s.markers.Get(key)
	if !ok {
		return Marker{}, false, nil
	}
	if m.IsExpired(s.now()) {
		s.markers.RemoveCb(key, func(_ string, cur Marker, exists bool) bool {
			return exists && cur.IsExpired(s.now())
		})
		return m, false, nil
	}
	return m, true, nil
}

// ClearAlive deletes the marker for key.
func (s *MemoryStore) ClearAlive(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.markers.Remove(key)
	return nil
}

// PutInstance stores inst, replacing any entry with the same ID.
func (s *MemoryStore) PutInstance(ctx context.Context, inst Instance) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.instances.Set(inst.ID, inst)
	return nil
}

// DeleteInstance deletes the entry for id.
func (s *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.instances.Remove(id)
	return nil
}

// DeleteInstanceIfExpired deletes the entry for id if the stored entry is
// expired at now. The check and the delete happen under the shard lock.
func (s *MemoryStore) DeleteInstanceIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return s.instances.RemoveCb(id, func(_ string, cur Instance, exists bool) bool {
		return exists && cur.IsExpired(now)
	}), nil
}

// Instances lists every entry, soonest expiry first.
func (s *MemoryStore) Instances(ctx context.Context) ([]Instance, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	items := s.instances.Items()
	out := make([]Instance, 0, len(items))
	for _, inst := range items {
		out = append(out, inst)
	}
	sortByExpiry(out)
	return out, nil
}

// Close makes every further call fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func sortByExpiry(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].ExpiresAt.Equal(instances[j].ExpiresAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].ExpiresAt.Before(instances[j].ExpiresAt)
	})
}
