package alive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVStore is a Store backed by two NATS JetStream KV buckets: one for alive
// markers and one for the instance registry. Both buckets carry the heartbeat
// TTL as MaxAge, so the server drops entries that stop being refreshed.
type KVStore struct {
	alive     jetstream.KeyValue
	instances jetstream.KeyValue
	now       Clock
}

// KVStoreConfig configures a KVStore.
type KVStoreConfig struct {
	AliveBucket     string
	InstancesBucket string

	// TTL is applied as the bucket MaxAge. It should equal the heartbeat TTL.
	TTL time.Duration

	// Clock defaults to time.Now.
	Clock Clock
}

// NewKVStore creates (or updates) the buckets and returns the store.
func NewKVStore(ctx context.Context, js jetstream.JetStream, cfg KVStoreConfig) (*KVStore, error) {
	if cfg.AliveBucket == "" || cfg.InstancesBucket == "" {
		return nil, fmt.Errorf("bucket names are required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("TTL must be positive")
	}

	alive, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.AliveBucket,
		Description: "Alive markers",
		TTL:         cfg.TTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alive KV bucket: %w", err)
	}

	instances, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.InstancesBucket,
		Description: "Live instance registry",
		TTL:         cfg.TTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instances KV bucket: %w", err)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &KVStore{
		alive:     alive,
		instances: instances,
		now:       now,
	}, nil
}

// OpenKVStore binds to buckets an agent already created, without creating or
// reconfiguring them. cfg.TTL is ignored. A missing bucket is reported as
// jetstream.ErrBucketNotFound.
func OpenKVStore(ctx context.Context, js jetstream.JetStream, cfg KVStoreConfig) (*KVStore, error) {
	if cfg.AliveBucket == "" || cfg.InstancesBucket == "" {
		return nil, fmt.Errorf("bucket names are required")
	}

	alive, err := js.KeyValue(ctx, cfg.AliveBucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.AliveBucket, err)
	}
	instances, err := js.KeyValue(ctx, cfg.InstancesBucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.InstancesBucket, err)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &KVStore{alive: alive, instances: instances, now: now}, nil
}

var _ Store = (*KVStore)(nil)

// SetAlive writes the marker for key. The bucket TTL expires it if the next
// write never comes.
func (k *KVStore) SetAlive(ctx context.Context, key, instanceID string, ttl time.Duration) (Marker, error) {
	now := k.now()
	m := Marker{
		Key:       key,
		Instance:  instanceID,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Marker{}, err
	}
	if _, err := k.alive.Put(ctx, SanitizeKey(key), data); err != nil {
		return Marker{}, fmt.Errorf("put alive marker: %w", err)
	}
	return m, nil
}

// Alive reads the marker for key. A missing, expired or unreadable marker
// reports false.
func (k *KVStore) Alive(ctx context.Context, key string) (Marker, bool, error) {
	entry, err := k.alive.Get(ctx, SanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("get alive marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		// Unreadable marker: treat as not alive so the next write repairs it.
		return Marker{}, false, nil
	}
	return m, !m.IsExpired(k.now()), nil
}

// ClearAlive deletes the marker for key.
func (k *KVStore) ClearAlive(ctx context.Context, key string) error {
	if err := k.alive.Delete(ctx, SanitizeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete alive marker: %w", err)
	}
	return nil
}

// PutInstance writes the registry entry for inst.ID, replacing any previous one.
func (k *KVStore) PutInstance(ctx context.Context, inst Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err := k.instances.Put(ctx, SanitizeKey(inst.ID), data); err != nil {
		return fmt.Errorf("put instance: %w", err)
	}
	return nil
}

// DeleteInstance deletes the registry entry for id.
func (k *KVStore) DeleteInstance(ctx context.Context, id string) error {
	if err := k.instances.Delete(ctx, SanitizeKey(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// DeleteInstanceIfExpired deletes the entry for id if it is expired at now.
// The delete is pinned to the revision that was read, so a refresh that lands
// in between wins and the entry is kept.
func (k *KVStore) DeleteInstanceIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	key := SanitizeKey(id)
	entry, err := k.instances.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get instance %s: %w", id, err)
	}

	var inst Instance
	if err := json.Unmarshal(entry.Value(), &inst); err == nil && !inst.IsExpired(now) {
		return false, nil
	}

	if err := k.instances.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		if isWrongRevision(err) || errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete instance %s: %w", id, err)
	}
	return true, nil
}

// Instances lists every registry entry, soonest expiry first. Entries that
// vanish while listing are skipped.
func (k *KVStore) Instances(ctx context.Context) ([]Instance, error) {
	keys, err := k.instances.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Instance{}, nil
		}
		return nil, fmt.Errorf("list instances: %w", err)
	}

	out := make([]Instance, 0, len(keys))
	for _, key := range keys {
		entry, err := k.instances.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				// Expired or deleted between Keys and Get.
				continue
			}
			return nil, fmt.Errorf("get instance %s: %w", key, err)
		}
		var inst Instance
		if err := json.Unmarshal(entry.Value(), &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	sortByExpiry(out)
	return out, nil
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
