// Package cache stores API responses keyed by entity, for a fixed time.
//
// Entries are wrapped in an envelope recording when they were written:
//
//	{"timestamp": <unix ms>, "data": <payload>}
//
// An entry older than the TTL is ignored but left in place; the next
// successful lookup overwrites it. Nothing else is ever evicted unless the
// backing store does so on its own.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultTTL = time.Hour

// ErrMiss is returned by a Store that has nothing under a key.
var ErrMiss = errors.New("cache: miss")

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agecheck_cache_lookups_total",
		Help: "Response cache lookups by result.",
	}, []string{"result"})
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agecheck_cache_writes_total",
		Help: "Response cache writes by result.",
	}, []string{"result"})
)

type Cache interface {
	// Get decodes the payload stored under key into dest. It reports false
	// when there is no fresh entry, in which case dest is left untouched.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Put(ctx context.Context, key string, payload any) error
}

// Store persists raw cache entries.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

type entry struct {
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TTLCache is a Cache over any Store. It does no locking of its own:
// concurrent writers to a key race and the last one wins.
type TTLCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func New(store Store, ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &TTLCache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *TTLCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.store.Load(ctx, key)
	if errors.Is(err, ErrMiss) {
		lookupsTotal.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("loading %s: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	if c.now().UnixMilli()-e.Timestamp >= c.ttl.Milliseconds() {
		lookupsTotal.WithLabelValues("stale").Inc()
		return false, nil
	}

	if err := json.Unmarshal(e.Data, dest); err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("decoding %s payload: %w", key, err)
	}

	lookupsTotal.WithLabelValues("hit").Inc()
	return true, nil
}

func (c *TTLCache) Put(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		writesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding %s payload: %w", key, err)
	}

	data, err = json.Marshal(entry{Timestamp: c.now().UnixMilli(), Data: data})
	if err != nil {
		writesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := c.store.Save(ctx, key, data); err != nil {
		writesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("saving %s: %w", key, err)
	}

	writesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Put(context.Context, string, any) error { return nil }
