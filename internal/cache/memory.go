package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/clock"
)

// MemoryStore is the in-process Store used when no Redis is configured.
// It is not shared between replicas.
type MemoryStore struct {
	entries *TTLCache[string, []byte]
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{entries: NewTTLCache[string, []byte](clk)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.entries.Get(key)
	return value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) SetIfNewer(_ context.Context, key string, value []byte, version int64, ttl time.Duration) (bool, error) {
	stored := m.entries.Update(key, ttl, func(current []byte, found bool) ([]byte, bool) {
		if found {
			if v, _, err := decodeVersioned(current); err == nil && v > version {
				return nil, false
			}
		}
		return encodeVersioned(version, value), true
	})
	return stored, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.entries.Delete(keys...)
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	var next int64
	var parseErr error
	m.entries.Update(key, 0, func(current []byte, found bool) ([]byte, bool) {
		if found {
			n, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				parseErr = err
				return nil, false
			}
			next = n
		}
		next++
		return strconv.AppendInt(nil, next, 10), true
	})
	if parseErr != nil {
		return 0, fmt.Errorf("incr %s: %w", key, parseErr)
	}
	return next, nil
}

// Sweep drops expired entries
func (m *MemoryStore) Sweep() int {
	return m.entries.Sweep()
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
