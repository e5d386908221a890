package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.SessionOpened(false)
	m.SessionOpened(true)
	m.Delivery("delivered-exact")
	m.Delivery("delivered-exact")
	m.CacheLookup(true)

	if got := testutil.ToFloat64(m.SessionsOpened); got != 2 {
		t.Fatalf("sessions opened: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsReplaced); got != 1 {
		t.Fatalf("sessions replaced: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("delivered-exact")); got != 2 {
		t.Fatalf("deliveries: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("cache hits: want 1 got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.SessionOpened(true)
	m.SetActiveSessions(3)
	m.Heartbeat()
	m.Request("delivered")
	m.Delivery("no-channel")
	m.ChannelWrite(false)
	m.BackendCall("ok", 0.1)
	m.CacheLookup(false)
	m.CacheRefresh("ok")
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.SetActiveSessions(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "relay_sessions_active 2") {
		t.Fatalf("expected relay_sessions_active in exposition, got:\n%s", body)
	}
}
