// Package cache holds the most recent result of the relay's one designated
// idempotent query and coordinates its refreshes.
//
// An entry is valid while its age is below the TTL. After a rate-limited
// refresh failure no refresh is attempted until the cooldown elapses. At most
// one refresh is outstanding at a time; concurrent triggers join it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL bounds how long a refreshed payload is served.
	DefaultTTL = 60 * time.Second
	// DefaultCooldown is how long refreshes are suppressed after a
	// rate-limited failure.
	DefaultCooldown = 10 * time.Second
	// DefaultRefreshTimeout bounds one refresh, which runs detached from the
	// request that triggered it.
	DefaultRefreshTimeout = 30 * time.Second

	flightKey = "refresh"
)

// Fetcher performs the designated query against the backend on behalf of
// sessionID and returns the payload to cache.
type Fetcher func(ctx context.Context, sessionID string) (json.RawMessage, error)

// Entry is a cached payload and the time it was refreshed.
type Entry struct {
	Payload     json.RawMessage `json:"payload"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Store persists a snapshot of the entry so a restarted relay can warm up
// without a backend call. Implementations MUST be safe for concurrent use.
type Store interface {
	// Load returns the stored entry, or nil when there is none.
	Load(ctx context.Context) (*Entry, error)
	Save(ctx context.Context, e Entry) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Cache) { c.cooldown = d }
}

// WithRefreshAhead sets the entry age after which a cache hit also spawns a
// background refresh. It defaults to half the TTL; zero refreshes on every hit
// that the cooldown and single-flight guard allow.
func WithRefreshAhead(d time.Duration) Option {
	return func(c *Cache) { c.refreshAhead = &d }
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) { c.refreshTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore enables write-through snapshots and Warm.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithMetrics records lookups and refresh results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is a single-entry response cache. It is safe for concurrent use.
type Cache struct {
	fetch Fetcher

	mu            sync.Mutex
	entry         *Entry
	cooldownUntil time.Time

	group    singleflight.Group
	inflight atomic.Bool
	bg       sync.WaitGroup

	ttl            time.Duration
	cooldown       time.Duration
	refreshAhead   *time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	store          Store
	log            *slog.Logger
	metrics        *metrics.Metrics
}

// New creates an empty Cache refreshed through fetch.
func New(fetch Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetch:          fetch,
		ttl:            DefaultTTL,
		cooldown:       DefaultCooldown,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		log:            slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Valid reports whether a payload exists and is younger than the TTL.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freshLocked(c.ttl)
}

// Get returns the cached payload when it is valid.
func (c *Cache) Get() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.freshLocked(c.ttl) {
		return nil, false
	}
	return c.entry.Payload, true
}

// Entry returns the current entry regardless of validity.
func (c *Cache) Entry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Entry{}, false
	}
	return *c.entry, true
}

// CooldownUntil returns the end of the current cooldown, zero when none was set.
func (c *Cache) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

// InFlight reports whether a refresh is outstanding.
func (c *Cache) InFlight() bool { return c.inflight.Load() }

func (c *Cache) freshLocked(maxAge time.Duration) bool {
	return c.entry != nil && c.now().Sub(c.entry.RefreshedAt) < maxAge
}

// Serve returns the cached payload when valid and, fire-and-forget, spawns a
// background refresh once the entry is older than the refresh-ahead age so
// the next caller sees fresher data. The refresh never blocks the caller.
func (c *Cache) Serve(ctx context.Context, sessionID string) (json.RawMessage, bool) {
	c.mu.Lock()
	if !c.freshLocked(c.ttl) {
		c.mu.Unlock()
		c.metrics.CacheLookup(false)
		return nil, false
	}
	payload := c.entry.Payload
	c.mu.Unlock()
	c.metrics.CacheLookup(true)

	bgCtx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		p := c.trigger(bgCtx, sessionID, "serve-then-refresh", c.refreshAheadAge())
		if p == nil {
			return
		}
		if _, err := p.Wait(bgCtx); err != nil {
			c.log.WarnContext(bgCtx, "cache.refresh.background.fail", slog.String("err", err.Error()))
		}
	}()
	return payload, true
}

// Wait blocks until background refreshes spawned by Serve have finished.
func (c *Cache) Wait() { c.bg.Wait() }

func (c *Cache) refreshAheadAge() time.Duration {
	if c.refreshAhead != nil {
		return *c.refreshAhead
	}
	return c.ttl / 2
}

// TriggerRefresh starts a refresh on behalf of sessionID, or joins the one in
// flight. It returns nil without calling the backend while the cache is valid
// or a cooldown is active.
func (c *Cache) TriggerRefresh(ctx context.Context, sessionID, reason string) *Pending {
	return c.trigger(ctx, sessionID, reason, c.ttl)
}

func (c *Cache) trigger(ctx context.Context, sessionID, reason string, maxAge time.Duration) *Pending {
	c.mu.Lock()
	if c.freshLocked(maxAge) {
		c.mu.Unlock()
		return nil
	}
	if until := c.cooldownUntil; c.now().Before(until) {
		c.mu.Unlock()
		c.metrics.CacheRefresh("cooldown")
		c.log.InfoContext(ctx, "cache.refresh.cooldown", slog.String("reason", reason), slog.Time("until", until))
		return nil
	}
	c.mu.Unlock()

	if c.inflight.Load() {
		c.metrics.CacheRefresh("joined")
		c.log.DebugContext(ctx, "cache.refresh.join", slog.String("reason", reason))
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(detached, sessionID, reason, maxAge)
	})
	return newPending(ch)
}

// refresh runs inside the single-flight group. State may have changed between
// the trigger and this call, so validity and cooldown are checked again.
func (c *Cache) refresh(ctx context.Context, sessionID, reason string, maxAge time.Duration) (json.RawMessage, error) {
	c.inflight.Store(true)
	defer c.inflight.Store(false)

	c.mu.Lock()
	if c.freshLocked(maxAge) {
		payload := c.entry.Payload
		c.mu.Unlock()
		return payload, nil
	}
	if c.now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		return nil, ErrCoolingDown
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "cache.refresh",
		tracing.AttrSessionID.String(sessionID),
		tracing.AttrReason.String(reason),
	)
	defer span.End()

	start := time.Now()
	payload, err := c.fetch(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, backend.ErrRateLimited) {
			c.mu.Lock()
			c.cooldownUntil = c.now().Add(c.cooldown)
			until := c.cooldownUntil
			c.mu.Unlock()
			c.metrics.CacheRefresh("rate_limited")
			c.log.WarnContext(ctx, "cache.refresh.rate_limited", slog.String("reason", reason), slog.Time("cooldown_until", until))
			return nil, err
		}
		c.metrics.CacheRefresh("error")
		c.log.WarnContext(ctx, "cache.refresh.fail", slog.String("reason", reason), slog.String("err", err.Error()))
		return nil, err
	}

	entry := Entry{Payload: payload, RefreshedAt: c.now()}
	c.mu.Lock()
	c.entry = &entry
	c.cooldownUntil = time.Time{}
	c.mu.Unlock()

	c.metrics.CacheRefresh("ok")
	c.log.InfoContext(ctx, "cache.refresh.ok", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))

	if c.store != nil {
		if err := c.store.Save(ctx, entry); err != nil {
			c.log.WarnContext(ctx, "cache.store.save.fail", slog.String("err", err.Error()))
		}
	}
	return payload, nil
}

// Warm loads a still-valid snapshot from the store. When there is none it
// triggers a first refresh and returns its handle.
func (c *Cache) Warm(ctx context.Context, sessionID string) (*Pending, error) {
	if c.store != nil {
		e, err := c.store.Load(ctx)
		if err != nil {
			c.log.WarnContext(ctx, "cache.store.load.fail", slog.String("err", err.Error()))
		} else if e != nil && c.now().Sub(e.RefreshedAt) < c.ttl {
			c.mu.Lock()
			if c.entry == nil || e.RefreshedAt.After(c.entry.RefreshedAt) {
				c.entry = e
			}
			c.mu.Unlock()
			c.log.InfoContext(ctx, "cache.warm.store", slog.Time("refreshed_at", e.RefreshedAt))
			return nil, nil
		}
	}
	p := c.TriggerRefresh(ctx, sessionID, "warmup")
	if p == nil && !c.Valid() {
		return nil, ErrCoolingDown
	}
	return p, nil
}

// ErrCoolingDown is returned when a refresh is suppressed by the cooldown.
var ErrCoolingDown = errors.New("cache refresh cooling down")
