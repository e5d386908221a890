package redisstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ggoodman/mcp-relay-go/cache"
	"github.com/ggoodman/mcp-relay-go/cache/redisstore"
	"github.com/google/uuid"
)

func newStore(t *testing.T) *redisstore.Store {
	t.Helper()
	s, err := redisstore.New(context.Background(), redisstore.Config{
		RedisAddr: "127.0.0.1:6379",
		KeyPrefix: "mcp-relay-test:" + uuid.NewString() + ":",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Skipf("skipping redis cache store tests: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Clear(context.Background())
		_ = s.Close()
	})
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty store: want nil entry, got %+v err=%v", got, err)
	}

	want := cache.Entry{Payload: json.RawMessage(`{"tools":[]}`), RefreshedAt: time.Now().UTC().Truncate(time.Millisecond)}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil || got == nil {
		t.Fatalf("Load: %+v err=%v", got, err)
	}
	if string(got.Payload) != string(want.Payload) || !got.RefreshedAt.Equal(want.RefreshedAt) {
		t.Fatalf("entry mismatch: want %+v got %+v", want, got)
	}
}

func TestStoreDropsExpiredEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, cache.Entry{Payload: json.RawMessage(`1`), RefreshedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, cache.Entry{Payload: json.RawMessage(`2`), RefreshedAt: time.Now().Add(-2 * time.Minute)}); err != nil {
		t.Fatalf("Save expired: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("expired save must clear the snapshot, got %+v err=%v", got, err)
	}
}

func TestStoreWarmsCache(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, cache.Entry{Payload: json.RawMessage(`{"warm":1}`), RefreshedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := cache.New(func(context.Context, string) (json.RawMessage, error) {
		t.Fatalf("backend must not be called when a snapshot is available")
		return nil, nil
	}, cache.WithStore(s))
	if p, err := c.Warm(ctx, "s"); err != nil || p != nil {
		t.Fatalf("Warm: p=%v err=%v", p, err)
	}
	if got, ok := c.Get(); !ok || string(got) != `{"warm":1}` {
		t.Fatalf("want warmed payload, got %s", got)
	}
}
