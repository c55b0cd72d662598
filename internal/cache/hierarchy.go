package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a shared persistent read.
const loadTimeout = 5 * time.Second

// PersistentTier is the second tier. Values are opaque JSON.
type PersistentTier interface {
	GetCacheEntry(ctx context.Context, fingerprint string) ([]byte, time.Time, bool, error)
	PutCacheEntry(ctx context.Context, fingerprint, stage string, value []byte, expiresAt time.Time) error
}

// Purger is implemented by persistent tiers that need explicit expiry.
type Purger interface {
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Entry describes one stored value.
type Entry struct {
	Fingerprint string
	Stage       string
	Value       []byte
	ExpiresAt   time.Time
}

// Stats counts lookups by outcome.
type Stats struct {
	MemoryHits     int64
	PersistentHits int64
	Misses         int64
	Errors         int64
}

// Hits returns hits from either tier.
func (s Stats) Hits() int64 { return s.MemoryHits + s.PersistentHits }

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Hierarchy.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Hierarchy checks memory first, then the persistent tier, and writes to
// both.
type Hierarchy[V any] struct {
	mem        *MemoryTier[V]
	persistent PersistentTier // nil for memory only
	group      singleflight.Group
	logger     *slog.Logger
	now        func() time.Time

	memHits        atomic.Int64
	persistentHits atomic.Int64
	misses         atomic.Int64
	errors         atomic.Int64
}

// New creates a hierarchy. persistent may be nil.
func New[V any](mem *MemoryTier[V], persistent PersistentTier, opts ...Option) *Hierarchy[V] {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Hierarchy[V]{
		mem:        mem,
		persistent: persistent,
		logger:     o.logger,
		now:        o.now,
	}
}

type loadResult[V any] struct {
	value V
	found bool
}

// Get looks fp up in memory, then in the persistent tier. Concurrent misses
// for the same fp share one persistent read. Persistent errors count as a
// miss, and so does ctx ending before the read does.
func (h *Hierarchy[V]) Get(ctx context.Context, fp string) (V, bool) {
	now := h.now()
	if v, ok := h.mem.Get(fp, now); ok {
		h.memHits.Add(1)
		return v, true
	}
	if h.persistent == nil {
		h.misses.Add(1)
		var zero V
		return zero, false
	}

	// The shared read outlives any one caller, so a caller giving up does
	// not turn the others' hit into a miss.
	ch := h.group.DoChan(fp, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return h.load(lctx, fp), nil
	})
	var r loadResult[V]
	select {
	case res := <-ch:
		r = res.Val.(loadResult[V])
	case <-ctx.Done():
	}
	if r.found {
		h.persistentHits.Add(1)
	} else {
		h.misses.Add(1)
	}
	return r.value, r.found
}

func (h *Hierarchy[V]) load(ctx context.Context, fp string) loadResult[V] {
	data, expiresAt, ok, err := h.persistent.GetCacheEntry(ctx, fp)
	if err != nil {
		h.errors.Add(1)
		h.logger.Warn("persistent cache read failed", "fingerprint", fp, "err", err)
		return loadResult[V]{}
	}
	now := h.now()
	if !ok || (!expiresAt.IsZero() && !now.Before(expiresAt)) {
		return loadResult[V]{}
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		h.errors.Add(1)
		h.logger.Warn("discarding undecodable cache entry", "fingerprint", fp, "err", err)
		return loadResult[V]{}
	}
	h.mem.Add(fp, v, expiresAt)
	return loadResult[V]{value: v, found: true}
}

// Put stores value in both tiers concurrently. A non-positive ttl never
// expires.
func (h *Hierarchy[V]) Put(ctx context.Context, fp, stage string, value V, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = h.now().Add(ttl)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.mem.Add(fp, value, expiresAt)
		return nil
	})
	if h.persistent != nil {
		g.Go(func() error {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode cache entry: %w", err)
			}
			return h.persistent.PutCacheEntry(gctx, fp, stage, data, expiresAt)
		})
	}
	if err := g.Wait(); err != nil {
		h.errors.Add(1)
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// PurgeExpired drops expired entries from memory and, when supported, from
// the persistent tier. Returns the total removed.
func (h *Hierarchy[V]) PurgeExpired(ctx context.Context) (int64, error) {
	now := h.now()
	n := int64(h.mem.PurgeExpired(now))
	if p, ok := h.persistent.(Purger); ok {
		m, err := p.PurgeExpiredCache(ctx, now)
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (h *Hierarchy[V]) Stats() Stats {
	return Stats{
		MemoryHits:     h.memHits.Load(),
		PersistentHits: h.persistentHits.Load(),
		Misses:         h.misses.Load(),
		Errors:         h.errors.Load(),
	}
}
