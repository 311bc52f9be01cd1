package alive

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Marker is the value of an alive key.
type Marker struct {
	Key       string    `json:"key"`
	Instance  string    `json:"instance"`
	WrittenAt time.Time `json:"written_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the marker has expired at now.
func (m Marker) IsExpired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Instance is one entry of the instance registry.
type Instance struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname,omitempty"`
	PID          int       `json:"pid,omitempty"`
	ProcessType  string    `json:"process_type,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the registry entry has expired at now.
func (i Instance) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// TimeUntilExpiry returns the duration until the entry expires.
func (i Instance) TimeUntilExpiry(now time.Time) time.Duration {
	remaining := i.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Store is the shared, TTL-based store behind the alive marker and the
// instance registry. All writes are last-writer-wins upserts.
type Store interface {
	// SetAlive upserts the alive marker for key with the given TTL.
	SetAlive(ctx context.Context, key, instanceID string, ttl time.Duration) (Marker, error)

	// Alive reads the alive marker. The bool is false when the marker is
	// missing or expired.
	Alive(ctx context.Context, key string) (Marker, bool, error)

	// ClearAlive removes the alive marker.
	ClearAlive(ctx context.Context, key string) error

	// PutInstance upserts a registry entry.
	PutInstance(ctx context.Context, inst Instance) error

	// DeleteInstance removes a registry entry. Missing entries are not an error.
	DeleteInstance(ctx context.Context, id string) error

	// DeleteInstanceIfExpired removes the entry for id only if the stored
	// entry is expired at now. An entry refreshed since it was listed is
	// kept and reported as false.
	DeleteInstanceIfExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// Instances returns every registry entry, expired or not, ordered by ExpiresAt.
	Instances(ctx context.Context) ([]Instance, error)
}

// Clock returns the current time. Stores and the registry take one so tests
// can control expiry.
type Clock func() time.Time

// SanitizeKey encodes s into a token that is valid as a NATS KV key, subject
// token and consumer name. Letters, digits, '-' and '_' pass through; every
// other byte becomes "=XX", so distinct inputs never share a key.
func SanitizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPlainKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

// isKeyToken reports whether s is non-empty and only holds bytes SanitizeKey
// can produce.
func isKeyToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; !isPlainKeyByte(c) && c != '=' {
			return false
		}
	}
	return true
}

func isPlainKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	default:
		return c == '-' || c == '_'
	}
}
