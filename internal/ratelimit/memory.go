package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/clock"
)

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter keeps window counters in process. Counters are not shared
// across replicas and are lost on restart.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	clock   clock.Clock
	calls   int
}

// NewMemoryCounter creates an empty counter set
func NewMemoryCounter(clk clock.Clock) *MemoryCounter {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCounter{windows: make(map[string]*memoryWindow), clock: clk}
}

const pruneEvery = 1024

func (m *MemoryCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.calls++
	if m.calls%pruneEvery == 0 {
		m.pruneLocked(now)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(ttl)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (m *MemoryCounter) pruneLocked(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, key)
		}
	}
}
