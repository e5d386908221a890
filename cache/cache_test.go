package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingFetcher returns payloads {"n":1}, {"n":2}, ... and counts calls.
type countingFetcher struct {
	calls atomic.Int32
	gate  chan struct{}

	mu  sync.Mutex
	err error
}

func (f *countingFetcher) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *countingFetcher) Fetch(ctx context.Context, sessionID string) (json.RawMessage, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
}

func mustRefresh(t *testing.T, c *cache.Cache) json.RawMessage {
	t.Helper()
	p := c.TriggerRefresh(context.Background(), "s1", "test")
	if p == nil {
		t.Fatalf("expected a refresh to start")
	}
	payload, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	return payload
}

func TestCacheTTL(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{}
	c := cache.New(f.Fetch, cache.WithClock(clock.Now))

	if c.Valid() {
		t.Fatalf("empty cache must not be valid")
	}
	mustRefresh(t, c)

	clock.Advance(59 * time.Second)
	got, ok := c.Get()
	if !ok || string(got) != `{"n":1}` {
		t.Fatalf("at T+59s want cached {\"n\":1}, got %s ok=%v", got, ok)
	}
	if p := c.TriggerRefresh(context.Background(), "s1", "test"); p != nil {
		t.Fatalf("refresh must be a no-op while valid")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get(); ok {
		t.Fatalf("at T+61s the entry must not be served")
	}
	if got := mustRefresh(t, c); string(got) != `{"n":2}` {
		t.Fatalf("expected a fresh backend call, got %s", got)
	}
	if want, got := int32(2), f.calls.Load(); want != got {
		t.Fatalf("backend calls: want %d got %d", want, got)
	}
}

func TestCacheCooldownAfterRateLimit(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{}
	f.failWith(fmt.Errorf("%w: status 429", backend.ErrRateLimited))
	c := cache.New(f.Fetch, cache.WithClock(clock.Now))

	p := c.TriggerRefresh(context.Background(), "s1", "test")
	if _, err := p.Wait(context.Background()); !errors.Is(err, backend.ErrRateLimited) {
		t.Fatalf("want rate limited error, got %v", err)
	}
	if want, got := clock.Now().Add(cache.DefaultCooldown), c.CooldownUntil(); !want.Equal(got) {
		t.Fatalf("cooldown: want %v got %v", want, got)
	}

	f.failWith(nil)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if p := c.TriggerRefresh(context.Background(), "s1", "test"); p != nil {
			t.Fatalf("refresh attempted during cooldown at +%ds", i+1)
		}
	}
	clock.Advance(4*time.Second + 999*time.Millisecond)
	if p := c.TriggerRefresh(context.Background(), "s1", "test"); p != nil {
		t.Fatalf("refresh attempted before cooldown elapsed")
	}
	if want, got := int32(1), f.calls.Load(); want != got {
		t.Fatalf("backend calls during cooldown: want %d got %d", want, got)
	}

	clock.Advance(time.Millisecond)
	mustRefresh(t, c)
	if !c.CooldownUntil().IsZero() {
		t.Fatalf("successful refresh must clear the cooldown")
	}
}

func TestCacheNonRateLimitFailureKeepsStaleEntry(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{}
	c := cache.New(f.Fetch, cache.WithClock(clock.Now))
	mustRefresh(t, c)

	clock.Advance(2 * time.Minute)
	f.failWith(errors.New("backend exploded"))
	p := c.TriggerRefresh(context.Background(), "s1", "test")
	if _, err := p.Wait(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	e, ok := c.Entry()
	if !ok || string(e.Payload) != `{"n":1}` {
		t.Fatalf("previous entry must be kept, got %s", e.Payload)
	}
	if !c.CooldownUntil().IsZero() {
		t.Fatalf("non rate-limit failures must not start a cooldown")
	}
	if c.InFlight() {
		t.Fatalf("in-flight marker must be released after failure")
	}
}

func TestCacheSingleFlight(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{})}
	c := cache.New(f.Fetch)

	p1 := c.TriggerRefresh(context.Background(), "s1", "first")
	p2 := c.TriggerRefresh(context.Background(), "s2", "second")
	if p1 == nil || p2 == nil {
		t.Fatalf("both triggers should observe the in-flight refresh")
	}
	close(f.gate)

	r1, err1 := p1.Wait(context.Background())
	r2, err2 := p2.Wait(context.Background())
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if string(r1) != string(r2) {
		t.Fatalf("joined triggers must observe the same result: %s vs %s", r1, r2)
	}
	if want, got := int32(1), f.calls.Load(); want != got {
		t.Fatalf("backend calls: want %d got %d", want, got)
	}
	if !p1.Shared() {
		t.Fatalf("result should be reported as shared")
	}
}

func TestCacheServeThenRefresh(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{}
	c := cache.New(f.Fetch, cache.WithClock(clock.Now), cache.WithRefreshAhead(30*time.Second))

	if _, ok := c.Serve(context.Background(), "s1"); ok {
		t.Fatalf("empty cache must miss")
	}
	mustRefresh(t, c)

	// Young entry: served, no background refresh.
	clock.Advance(10 * time.Second)
	got, ok := c.Serve(context.Background(), "s1")
	c.Wait()
	if !ok || string(got) != `{"n":1}` {
		t.Fatalf("want cached payload, got %s", got)
	}
	if want, got := int32(1), f.calls.Load(); want != got {
		t.Fatalf("backend calls: want %d got %d", want, got)
	}

	// Older entry: served unchanged, then refreshed in the background.
	clock.Advance(40 * time.Second)
	got, ok = c.Serve(context.Background(), "s1")
	if !ok || string(got) != `{"n":1}` {
		t.Fatalf("stale-while-revalidate must serve the current entry, got %s", got)
	}
	c.Wait()
	if want, got := int32(2), f.calls.Load(); want != got {
		t.Fatalf("background refresh: want %d calls got %d", want, got)
	}
	if got, _ := c.Get(); string(got) != `{"n":2}` {
		t.Fatalf("next caller should see the refreshed payload, got %s", got)
	}
}

func TestCacheServeSurvivesCancelledRequest(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{}
	c := cache.New(f.Fetch, cache.WithClock(clock.Now), cache.WithRefreshAhead(0))
	mustRefresh(t, c)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	if _, ok := c.Serve(ctx, "s1"); !ok {
		t.Fatalf("expected hit")
	}
	cancel()
	c.Wait()
	if want, got := int32(2), f.calls.Load(); want != got {
		t.Fatalf("background refresh must outlive the request: want %d calls got %d", want, got)
	}
}

type memStore struct {
	mu    sync.Mutex
	entry *cache.Entry
	saves int
}

func (s *memStore) Load(ctx context.Context) (*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil, nil
	}
	e := *s.entry
	return &e, nil
}

func (s *memStore) Save(ctx context.Context, e cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = &e
	s.saves++
	return nil
}

func TestCacheWarm(t *testing.T) {
	clock := newClock()

	t.Run("valid snapshot avoids backend call", func(t *testing.T) {
		store := &memStore{entry: &cache.Entry{Payload: json.RawMessage(`{"warm":true}`), RefreshedAt: clock.Now().Add(-10 * time.Second)}}
		f := &countingFetcher{}
		c := cache.New(f.Fetch, cache.WithClock(clock.Now), cache.WithStore(store))

		p, err := c.Warm(context.Background(), "s1")
		if err != nil || p != nil {
			t.Fatalf("want no refresh, got p=%v err=%v", p, err)
		}
		if got, ok := c.Get(); !ok || string(got) != `{"warm":true}` {
			t.Fatalf("want warmed payload, got %s", got)
		}
		if f.calls.Load() != 0 {
			t.Fatalf("backend must not be called")
		}
	})

	t.Run("expired snapshot triggers refresh and writes through", func(t *testing.T) {
		store := &memStore{entry: &cache.Entry{Payload: json.RawMessage(`{"warm":true}`), RefreshedAt: clock.Now().Add(-2 * time.Minute)}}
		f := &countingFetcher{}
		c := cache.New(f.Fetch, cache.WithClock(clock.Now), cache.WithStore(store))

		p, err := c.Warm(context.Background(), "s1")
		if err != nil || p == nil {
			t.Fatalf("want refresh handle, got p=%v err=%v", p, err)
		}
		if _, err := p.Wait(context.Background()); err != nil {
			t.Fatalf("warmup refresh: %v", err)
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		if store.saves != 1 || string(store.entry.Payload) != `{"n":1}` {
			t.Fatalf("refresh must write through to the store, saves=%d entry=%s", store.saves, store.entry.Payload)
		}
	})
}
