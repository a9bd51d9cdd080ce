package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/selector"
)

func TestObserve(t *testing.T) {
	c := New()

	c.Observe(events.Event{Type: events.Connected})
	if got := testutil.ToFloat64(c.connected); got != 1 {
		t.Errorf("connected = %v after Connected", got)
	}
	c.Observe(events.Event{Type: events.ReconnectAttempt})
	c.Observe(events.Event{Type: events.ReconnectAttempt})
	c.Observe(events.Event{Type: events.ReconnectMaxRetries})
	if got := testutil.ToFloat64(c.reconnectAttempts); got != 2 {
		t.Errorf("reconnect attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.reconnectGiveUps); got != 1 {
		t.Errorf("give ups = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("connected = %v after max retries", got)
	}

	c.Observe(events.Event{Type: events.KillSwitchChanged, Data: true})
	if got := testutil.ToFloat64(c.killSwitch); got != 1 {
		t.Errorf("killswitch = %v", got)
	}
	c.Observe(events.Event{Type: events.KillSwitchChanged, Data: false})
	if got := testutil.ToFloat64(c.killSwitch); got != 0 {
		t.Errorf("killswitch = %v", got)
	}

	if got := testutil.ToFloat64(c.events.WithLabelValues(string(events.ReconnectAttempt))); got != 2 {
		t.Errorf("events_total{reconnect:attempt} = %v", got)
	}
}

func TestObserve_ServersTested(t *testing.T) {
	c := New()
	c.Observe(events.Event{Type: events.ServersTested, Data: map[string]selector.ProbeResult{
		"a": {PingMs: 12, TotalScore: 80},
		"b": {Error: "timeout"},
	}})

	if got := testutil.ToFloat64(c.reachableServers); got != 1 {
		t.Errorf("reachable = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.serverPing.WithLabelValues("a")); got != 12 {
		t.Errorf("ping{a} = %v", got)
	}
	if n := testutil.CollectAndCount(c.serverPing); n != 1 {
		t.Errorf("ping series = %d, want 1", n)
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.Observe(events.Event{Type: events.Connected})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "vpn_core_connected 1") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}
