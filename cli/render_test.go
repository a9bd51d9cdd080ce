package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/yllada/vpn-core/history"
	"github.com/yllada/vpn-core/monitor"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/splittunnel"
	"github.com/yllada/vpn-core/vpn"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute + 7*time.Second, "2h 5m 7s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		st    vpn.Status
		want  []string
		avoid []string
	}{
		{
			name:  "disconnected",
			st:    vpn.Status{State: vpn.StateDisconnected},
			want:  []string{"disconnected", "Kill switch", "off"},
			avoid: []string{"Server:", "Reconnecting"},
		},
		{
			name: "connected",
			st: vpn.Status{
				State: vpn.StateConnected,
				Session: &vpn.Session{
					ServerID:       "nl-2",
					ConnectionType: "tcp",
					InterfaceName:  "tun3",
					StartedAt:      now.Add(-3*time.Hour - 2*time.Minute),
					PID:            4242,
					CachedConfig:   true,
				},
				SplitTunnel: true,
			},
			want: []string{"connected", "nl-2 (nl-2)", "tcp", "tun3", "3h 2m 0s", "4242", "stored configuration", "on"},
		},
		{
			name: "reconnecting",
			st: vpn.Status{
				State:     vpn.StateConnecting,
				LastError: "tunnel exited",
				Reconnect: monitor.ReconnectState{IsReconnecting: true, Attempts: 2, MaxRetries: 5},
			},
			want: []string{"connecting", "attempt 2 of 5", "tunnel exited"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := renderStatus(tt.st, now)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in:\n%s", w, out)
				}
			}
			for _, a := range tt.avoid {
				if strings.Contains(out, a) {
					t.Errorf("unexpected %q in:\n%s", a, out)
				}
			}
		})
	}
}

func TestRenderTestReportOrder(t *testing.T) {
	report := vpn.TestReport{Results: map[string]selector.ProbeResult{
		"slow":   {PingMs: 180, TotalScore: 40},
		"down":   {Error: "timeout"},
		"fast":   {PingMs: 12, TotalScore: 91},
		"medium": {PingMs: 60, TotalScore: 70},
	}}
	out := renderTestReport(report)

	order := []string{"fast", "medium", "slow", "down"}
	last := -1
	for _, id := range order {
		i := strings.Index(out, id)
		if i < 0 {
			t.Fatalf("missing %q in:\n%s", id, out)
		}
		if i < last {
			t.Errorf("%q out of order in:\n%s", id, out)
		}
		last = i
	}
	if !strings.Contains(out, "timeout") {
		t.Errorf("probe error not shown:\n%s", out)
	}
}

func TestRenderServers(t *testing.T) {
	load := 37.0
	out := renderServers([]selector.Server{
		{ID: "de-1", Name: "Frankfurt", Location: "Germany", Load: &load, Available: true},
		{ID: "es-1", Name: "Madrid", Location: "Spain", ActiveConnections: 10, MaxCapacity: 40},
	})
	for _, w := range []string{"ID", "Frankfurt", "37%", "10/40", "no"} {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q in:\n%s", w, out)
		}
	}
	if got := renderServers(nil); !strings.Contains(got, "No servers") {
		t.Errorf("renderServers(nil) = %q", got)
	}
}

func TestRenderHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := renderHistory([]history.Entry{
		{ServerID: "de-1", ServerName: "Frankfurt", ConnectionType: "udp", StartedAt: start},
		{ServerID: "es-1", StartedAt: start.Add(-time.Hour), EndedAt: start.Add(-15 * time.Minute), EndReason: "user"},
	})
	for _, w := range []string{"Frankfurt", "active", "es-1", "45m 0s", "user"} {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q in:\n%s", w, out)
		}
	}
}

func TestRenderSplitTunnel(t *testing.T) {
	out := renderSplitTunnel(vpn.SplitTunnelView{
		Enabled: true,
		Config: splittunnel.Config{
			BypassList: []string{"example.com"},
			AppsList:   []string{"/usr/bin/firefox"},
		},
		Rules: []splittunnel.BypassRule{{Domain: "example.com", ResolvedIPs: []string{"93.184.216.34"}}},
	})
	for _, w := range []string{"example.com", "93.184.216.34", "/usr/bin/firefox", "not supported"} {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q in:\n%s", w, out)
		}
	}
}
