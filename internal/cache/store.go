package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEntry is returned when a versioned entry cannot be decoded
var ErrMalformedEntry = errors.New("malformed versioned cache entry")

// Store is the shared cache backend contract. Get reports a miss with
// (nil, false, nil); errors are reserved for backend failures.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfNewer stores value unless the entry holds a strictly higher version.
	SetIfNewer(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments a counter that never expires and returns its new value.
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Versioned entries are stored as "<version>|<payload>" so both backends can
// compare versions without decoding the payload.
func encodeVersioned(version int64, value []byte) []byte {
	out := make([]byte, 0, len(value)+21)
	out = strconv.AppendInt(out, version, 10)
	out = append(out, '|')
	return append(out, value...)
}

func decodeVersioned(raw []byte) (int64, []byte, error) {
	head, payload, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, nil, ErrMalformedEntry
	}
	version, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, nil, ErrMalformedEntry
	}
	return version, []byte(payload), nil
}
