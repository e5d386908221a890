package delivery_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/ggoodman/mcp-relay-go/delivery"
	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/sessions"
	"github.com/ggoodman/mcp-relay-go/sessions/sessionstest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var reply = []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)

func open(t *testing.T, reg *sessions.Registry, ids ...string) map[string]*sessionstest.Channel {
	t.Helper()
	out := make(map[string]*sessionstest.Channel, len(ids))
	for _, id := range ids {
		ch := sessionstest.NewChannel()
		reg.Open(context.Background(), id, ch, "")
		out[id] = ch
	}
	return out
}

func TestDeliverExact(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "a", "b", "c")

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "b", reply)
	if rep.Outcome != delivery.DeliveredExact {
		t.Fatalf("outcome: want %s got %s", delivery.DeliveredExact, rep.Outcome)
	}
	if chans["b"].Len() != 1 {
		t.Fatalf("target channel should receive exactly one frame, got %d", chans["b"].Len())
	}
	if chans["a"].Len() != 0 || chans["c"].Len() != 0 {
		t.Fatalf("reply leaked to non-target channels")
	}
}

func TestDeliverSingleFallback(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "only")

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "unknown", reply)
	if rep.Outcome != delivery.DeliveredFallbackSingle {
		t.Fatalf("outcome: want %s got %s", delivery.DeliveredFallbackSingle, rep.Outcome)
	}
	if chans["only"].Len() != 1 {
		t.Fatalf("single open channel should receive the reply")
	}
}

func TestDeliverBroadcastFallback(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "a", "b", "c")

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "unknown", reply)
	if rep.Outcome != delivery.DeliveredFallbackBroadcast {
		t.Fatalf("outcome: want %s got %s", delivery.DeliveredFallbackBroadcast, rep.Outcome)
	}
	for id, ch := range chans {
		if ch.Len() != 1 {
			t.Fatalf("channel %s: want 1 frame got %d", id, ch.Len())
		}
	}
	got := slices.Clone(rep.Recipients)
	slices.Sort(got)
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("recipients: got %v", got)
	}
}

func TestDeliverNoChannel(t *testing.T) {
	reg := sessions.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())

	rep := delivery.NewResolver(reg, delivery.WithMetrics(m)).Deliver(context.Background(), "x", reply)
	if rep.Outcome != delivery.NoChannel || rep.Outcome.Pushed() {
		t.Fatalf("want no-channel, got %s", rep.Outcome)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("no-channel")); got != 1 {
		t.Fatalf("no-channel metric: want 1 got %v", got)
	}
}

func TestDeliverSkipsEndedChannels(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "target", "other")
	chans["target"].End()

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "target", reply)
	if rep.Outcome != delivery.DeliveredFallbackSingle || rep.Recipients[0] != "other" {
		t.Fatalf("ended target must fall back to the remaining channel, got %+v", rep)
	}
	if chans["target"].Len() != 0 {
		t.Fatalf("ended channel must not be written")
	}
}

func TestDeliverWriteFailureFallsBack(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "target", "other")
	chans["target"].FailWith(errors.New("broken pipe"))

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "target", reply)
	if rep.Outcome != delivery.DeliveredFallbackSingle {
		t.Fatalf("outcome: want %s got %s", delivery.DeliveredFallbackSingle, rep.Outcome)
	}
	if chans["other"].Len() != 1 {
		t.Fatalf("fallback channel should receive the reply")
	}
	if _, ok := reg.Lookup("target"); ok {
		t.Fatalf("failed channel should be released from the registry")
	}
}

func TestDeliverAllWritesFailIsNoChannel(t *testing.T) {
	reg := sessions.NewRegistry()
	chans := open(t, reg, "a", "b")
	for _, ch := range chans {
		ch.FailWith(errors.New("reset by peer"))
	}

	rep := delivery.NewResolver(reg).Deliver(context.Background(), "a", reply)
	if rep.Outcome != delivery.NoChannel {
		t.Fatalf("want no-channel after every write failed, got %s", rep.Outcome)
	}
	if reg.Count() != 0 {
		t.Fatalf("failed channels should be released, %d remain", reg.Count())
	}
}
