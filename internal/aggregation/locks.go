package aggregation

import (
	"sync"

	"github.com/septivank/energy-telemetry-service/internal/db"
)

type lockKey struct {
	tenantID  string
	deviceKey string
	hour      int64
}

type bucketLock struct {
	mu   sync.Mutex
	refs int
}

// BucketLocks hands out one mutex per (tenant, device, hour). Locks are
// created on demand and dropped once no caller holds or waits for them, so
// unrelated buckets never contend.
type BucketLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*bucketLock
}

func NewBucketLocks() *BucketLocks {
	return &BucketLocks{locks: make(map[lockKey]*bucketLock)}
}

// Lock blocks until the bucket is free and returns its unlock function
func (b *BucketLocks) Lock(bucket db.BucketKey) func() {
	key := lockKey{tenantID: bucket.TenantID, deviceKey: bucket.DeviceKey, hour: bucket.HourStart.Unix()}

	b.mu.Lock()
	l, ok := b.locks[key]
	if !ok {
		l = &bucketLock{}
		b.locks[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

// Len counts buckets currently held or awaited
func (b *BucketLocks) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locks)
}
