package sessions_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/ggoodman/mcp-relay-go/sessions"
	"github.com/ggoodman/mcp-relay-go/sessions/sessionstest"
)

func TestRegistryOpenLookupClose(t *testing.T) {
	ctx := context.Background()
	reg := sessions.NewRegistry()
	ch := sessionstest.NewChannel()

	sess, replaced := reg.Open(ctx, "a", ch, "ns1")
	if replaced {
		t.Fatalf("first open must not report replacement")
	}
	if sess.Namespace != "ns1" {
		t.Fatalf("namespace: want ns1 got %q", sess.Namespace)
	}

	got, ok := reg.Lookup("a")
	if !ok || got.Channel != ch {
		t.Fatalf("lookup did not return the opened channel")
	}
	if want, got := 1, reg.Count(); want != got {
		t.Fatalf("count: want %d got %d", want, got)
	}

	if !reg.Close(ctx, "a") {
		t.Fatalf("close should report removal")
	}
	if reg.Close(ctx, "a") {
		t.Fatalf("second close should be a no-op")
	}
	if _, ok := reg.Lookup("a"); ok {
		t.Fatalf("session still registered after close")
	}
}

func TestRegistryReopenSupersedesWithoutClosing(t *testing.T) {
	ctx := context.Background()
	reg := sessions.NewRegistry()
	oldCh := sessionstest.NewChannel()
	newCh := sessionstest.NewChannel()

	reg.Open(ctx, "a", oldCh, "")
	if _, replaced := reg.Open(ctx, "a", newCh, ""); !replaced {
		t.Fatalf("reopen must report replacement")
	}
	if !oldCh.Live() {
		t.Fatalf("superseded channel must not be closed by the registry")
	}
	got, _ := reg.Lookup("a")
	if got.Channel != newCh {
		t.Fatalf("lookup must return the newest channel")
	}

	// The superseded channel tearing down must leave its successor alone.
	if reg.Release(ctx, "a", oldCh) {
		t.Fatalf("release of a superseded channel must not remove the entry")
	}
	if _, ok := reg.Lookup("a"); !ok {
		t.Fatalf("successor evicted by stale release")
	}
	if !reg.Release(ctx, "a", newCh) {
		t.Fatalf("release of the current channel must remove the entry")
	}
}

func TestRegistryListAndLive(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	tick := 0
	reg := sessions.NewRegistry(sessions.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	c1, c2, c3 := sessionstest.NewChannel(), sessionstest.NewChannel(), sessionstest.NewChannel()
	reg.Open(ctx, "c", c1, "")
	reg.Open(ctx, "a", c2, "")
	reg.Open(ctx, "b", c3, "")
	c2.End()

	if want, got := []string{"a", "b", "c"}, reg.List(); !slices.Equal(want, got) {
		t.Fatalf("list: want %v got %v", want, got)
	}

	live := reg.Live()
	if len(live) != 2 || live[0].ID != "c" || live[1].ID != "b" {
		t.Fatalf("live sessions in open order: got %v", ids(live))
	}

	recent, ok := reg.MostRecent()
	if !ok || recent.ID != "b" {
		t.Fatalf("most recent: want b got %+v", recent)
	}
	if !recent.OpenedAt.After(base) {
		t.Fatalf("OpenedAt not taken from clock")
	}
}

func ids(ss []*sessions.Session) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}
