package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
)

// scriptedRunner returns canned output for command lines with a matching
// prefix and records every invocation.
type scriptedRunner struct {
	responses map[string]response
	calls     []string
	files     map[string]string
}

type response struct {
	out string
	err error
}

func (s *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	s.calls = append(s.calls, line)

	// Capture files passed to restore/load commands before they are removed.
	if len(args) > 0 {
		last := args[len(args)-1]
		if data, err := os.ReadFile(last); err == nil {
			if s.files == nil {
				s.files = make(map[string]string)
			}
			s.files[name] = string(data)
		}
	}

	best := ""
	for prefix := range s.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	r := s.responses[best]
	return []byte(r.out), r.err
}

func noGateway() (net.IP, error) { return nil, errors.New("no gateway") }

func TestNormalizeDestination(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.1/24", "192.168.1.0/24"},
		{"10.0.0.5", "10.0.0.5/32"},
		{" 10.0.0.5 ", "10.0.0.5/32"},
		{"2001:db8::1", "2001:db8::1/128"},
		{"not-an-ip", ""},
		{"", ""},
		{"300.1.1.1/8", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeDestination(tt.in); got != tt.want {
				t.Errorf("NormalizeDestination(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDefaultGateway(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "prefers non-tun route",
			output: "default via 10.8.0.1 dev tun0\ndefault via 192.168.1.1 dev wlp2s0 proto dhcp metric 600",
			want:   "192.168.1.1",
		},
		{
			name:   "only tun route",
			output: "default via 10.8.0.1 dev tun0",
			want:   "",
		},
		{
			name:   "device-only tun route",
			output: "default dev tun0 scope link\ndefault via 192.168.1.1 dev eth0",
			want:   "192.168.1.1",
		},
		{
			name:   "wireguard route",
			output: "default via 10.2.0.1 dev wg0\ndefault via 172.16.0.1 dev enp3s0 proto static",
			want:   "172.16.0.1",
		},
		{
			name:   "unspecified gateway",
			output: "default via 0.0.0.0 dev eth0",
			want:   "",
		},
		{
			name:   "no default",
			output: "192.168.1.0/24 dev wlp2s0 proto kernel scope link",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDefaultGateway(tt.output)
			if (got == nil && tt.want != "") || (got != nil && got.String() != tt.want) {
				t.Errorf("parseDefaultGateway() = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestLinux_DefaultGateway(t *testing.T) {
	ipRouteFails := response{out: "ip: command not found", err: errors.New("exit status 127")}
	tests := []struct {
		name     string
		table    response
		discover func() (net.IP, error)
		device   string
		want     string
	}{
		{
			name:     "tunnel default route listed first",
			table:    response{out: "default via 10.8.0.1 dev tun0\ndefault via 192.168.1.1 dev eth0"},
			discover: func() (net.IP, error) { return net.ParseIP("10.8.0.1"), nil },
			want:     "192.168.1.1",
		},
		{
			name:     "device-only tunnel default route",
			table:    response{out: "default dev tun0 scope link"},
			discover: func() (net.IP, error) { return net.IPv4zero, nil },
		},
		{
			name:     "discovery when ip is unavailable",
			table:    ipRouteFails,
			discover: func() (net.IP, error) { return net.ParseIP("192.168.0.1"), nil },
			device:   "eth0",
			want:     "192.168.0.1",
		},
		{
			name:     "discovered gateway behind the tunnel",
			table:    ipRouteFails,
			discover: func() (net.IP, error) { return net.ParseIP("10.8.0.1"), nil },
			device:   "tun0",
		},
		{
			name:     "discovered unspecified gateway",
			table:    ipRouteFails,
			discover: func() (net.IP, error) { return net.IPv4zero, nil },
		},
		{
			name:     "nothing found",
			table:    ipRouteFails,
			discover: noGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{responses: map[string]response{"ip route show default": tt.table}}
			l := NewLinux(runner)
			l.discover = tt.discover
			l.interfaceOf = func(net.IP) string { return tt.device }

			gw, err := l.DefaultGateway(context.Background())
			if tt.want == "" {
				if err == nil {
					t.Errorf("DefaultGateway() = %v, want error", gw)
				}
				return
			}
			if err != nil || gw.String() != tt.want {
				t.Errorf("DefaultGateway() = %v, %v; want %s", gw, err, tt.want)
			}
		})
	}
}

func TestLinux_Routes(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]response{
		"ip route del 10.9.9.9/32": {out: "RTNETLINK answers: No such process", err: errors.New("exit status 2")},
		"ip route replace bad":     {out: "Error", err: errors.New("exit status 1")},
	}}
	l := NewLinux(runner)
	ctx := context.Background()

	if err := l.AddHostRoute(ctx, Route{Destination: "1.2.3.4", Gateway: "192.168.1.1"}); err != nil {
		t.Fatalf("AddHostRoute() error = %v", err)
	}
	if want := "ip route replace 1.2.3.4/32 via 192.168.1.1"; runner.calls[0] != want {
		t.Errorf("ran %q, want %q", runner.calls[0], want)
	}

	if err := l.DeleteRoute(ctx, Route{Destination: "10.9.9.9", Gateway: "192.168.1.1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRoute() missing route error = %v, want ErrNotFound", err)
	}

	if err := l.AddHostRoute(ctx, Route{Destination: "bad"}); err == nil {
		t.Error("AddHostRoute() with invalid destination should fail")
	}
}

func TestLinux_FirewallRules(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]response{
		"iptables -w -D OUTPUT -o tun0": {
			out: "iptables: Bad rule (does a matching rule exist in that chain?).",
			err: errors.New("exit status 1"),
		},
	}}
	l := NewLinux(runner)
	ctx := context.Background()

	rule := Rule{Action: Accept, Interface: "tun0", Tag: "vpn-core-ks-tunnel", Position: 2}
	if err := l.AddFirewallRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	want := "iptables -w -I OUTPUT 2 -o tun0 -m comment --comment vpn-core-ks-tunnel -j ACCEPT"
	if runner.calls[0] != want {
		t.Errorf("ran %q, want %q", runner.calls[0], want)
	}

	deny := Rule{Action: Drop, Tag: "vpn-core-ks-deny"}
	if err := l.AddFirewallRule(ctx, deny); err != nil {
		t.Fatal(err)
	}
	if want := "iptables -w -A OUTPUT -m comment --comment vpn-core-ks-deny -j DROP"; runner.calls[1] != want {
		t.Errorf("ran %q, want %q", runner.calls[1], want)
	}

	if err := l.DeleteFirewallRule(ctx, rule); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteFirewallRule() error = %v, want ErrNotFound", err)
	}
}

func TestLinux_FirewallRulesIPv6(t *testing.T) {
	runner := &scriptedRunner{}
	l := NewLinux(runner)
	ctx := context.Background()

	rules := []struct {
		rule Rule
		want string
	}{
		{
			Rule{Action: Accept, Destination: "2001:db8::5/128", Tag: "vpn-core-ks-endpoint-2001:db8::5/128", Position: 3},
			"ip6tables -w -I OUTPUT 3 -d 2001:db8::5/128 -m comment --comment vpn-core-ks-endpoint-2001:db8::5/128 -j ACCEPT",
		},
		{
			Rule{Action: Drop, Family: IPv6, Tag: "vpn-core-ks-deny-v6", Position: 4},
			"ip6tables -w -I OUTPUT 4 -m comment --comment vpn-core-ks-deny-v6 -j DROP",
		},
		{
			Rule{Action: Accept, Destination: "203.0.113.5/32", Tag: "vpn-core-ks-endpoint-203.0.113.5/32", Position: 3},
			"iptables -w -I OUTPUT 3 -d 203.0.113.5/32 -m comment --comment vpn-core-ks-endpoint-203.0.113.5/32 -j ACCEPT",
		},
	}
	for i, tt := range rules {
		if err := l.AddFirewallRule(ctx, tt.rule); err != nil {
			t.Fatal(err)
		}
		if runner.calls[i] != tt.want {
			t.Errorf("ran %q, want %q", runner.calls[i], tt.want)
		}
	}
}

func TestLinux_IPv6Disabled(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]response{
		"ip6tables": {out: "ip6tables: can't initialize ip6tables table `filter'", err: errors.New("exit status 3")},
	}}
	l := NewLinux(runner)
	ctx := context.Background()
	deny := Rule{Action: Drop, Family: IPv6, Tag: "vpn-core-ks-deny-v6"}

	l.ipv6 = func() bool { return true }
	if err := l.AddFirewallRule(ctx, deny); err == nil {
		t.Error("AddFirewallRule() should fail when IPv6 is enabled")
	}

	l.ipv6 = func() bool { return false }
	if err := l.AddFirewallRule(ctx, deny); err != nil {
		t.Errorf("AddFirewallRule() with IPv6 disabled error = %v", err)
	}
	if err := l.DeleteFirewallRule(ctx, deny); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteFirewallRule() with IPv6 disabled error = %v, want ErrNotFound", err)
	}
}

const sampleSave = `# Generated by iptables-save v1.8.7 on Mon Jan  1 00:00:00 2026
*filter
:INPUT ACCEPT [10:1000]
:FORWARD DROP [0:0]
:OUTPUT ACCEPT [20:2000]
-A OUTPUT -o lo -j ACCEPT
-A OUTPUT -d 10.0.0.0/8 -j ACCEPT
COMMIT
*nat
:PREROUTING ACCEPT [0:0]
:POSTROUTING ACCEPT [0:0]
COMMIT
`

const sampleSave6 = `*filter
:INPUT ACCEPT [0:0]
:FORWARD DROP [0:0]
:OUTPUT ACCEPT [0:0]
-A OUTPUT -d 2001:db8::/32 -j ACCEPT
COMMIT
`

func TestParseIptablesSave(t *testing.T) {
	snap := ParseIptablesSave(sampleSave)

	if len(snap.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(snap.Tables))
	}
	filter := snap.Tables[0]
	if filter.Name != "filter" || len(filter.Chains) != 3 || len(filter.Rules) != 2 {
		t.Errorf("filter table = %+v", filter)
	}
	if filter.Chains[1].Name != "FORWARD" || filter.Chains[1].Policy != "DROP" {
		t.Errorf("FORWARD chain = %+v", filter.Chains[1])
	}
	if snap.RuleCount() != 2 {
		t.Errorf("RuleCount() = %d, want 2", snap.RuleCount())
	}

	again := ParseIptablesSave(RenderIptablesSave(snap))
	if again.RuleCount() != snap.RuleCount() || len(again.Tables) != len(snap.Tables) {
		t.Errorf("render/parse changed the snapshot: %+v", again)
	}
}

func TestLinux_SnapshotRestore(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]response{
		"iptables-save":  {out: sampleSave},
		"ip6tables-save": {out: sampleSave6},
	}}
	l := NewLinux(runner)
	l.tempDir = t.TempDir()
	ctx := context.Background()

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Platform != "linux" || snap.TakenAt.IsZero() {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Tables) != 3 || snap.Tables[2].Family != IPv6 {
		t.Errorf("snapshot tables = %+v, want two IPv4 and one IPv6", snap.Tables)
	}

	if err := l.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	restored := runner.files["iptables-restore"]
	if !strings.Contains(restored, "-A OUTPUT -o lo -j ACCEPT") || !strings.Contains(restored, ":FORWARD DROP [0:0]") {
		t.Errorf("restore input = %q", restored)
	}
	if strings.Contains(restored, "2001:db8::/32") {
		t.Errorf("IPv6 rules given to iptables-restore: %q", restored)
	}
	restored6 := runner.files["ip6tables-restore"]
	if !strings.Contains(restored6, "-A OUTPUT -d 2001:db8::/32 -j ACCEPT") {
		t.Errorf("ip6tables-restore input = %q", restored6)
	}

	if err := l.Restore(ctx, &Snapshot{Platform: "darwin", Tables: []Table{{Name: "pf"}}}); err == nil {
		t.Error("restoring a foreign snapshot should fail")
	}
}

func TestDarwin_Routes(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]response{
		"route -n add -host 1.2.3.4":    {out: "add host 1.2.3.4: gateway 192.168.1.1: File exists", err: errors.New("exit status 1")},
		"route -n delete -host 5.6.7.8": {out: "delete host 5.6.7.8: not in table", err: errors.New("exit status 1")},
	}}
	d := NewDarwin(runner)
	ctx := context.Background()

	if err := d.AddHostRoute(ctx, Route{Destination: "1.2.3.4", Gateway: "192.168.1.1"}); err != nil {
		t.Errorf("AddHostRoute() existing route error = %v", err)
	}
	if err := d.DeleteRoute(ctx, Route{Destination: "5.6.7.8", Gateway: "192.168.1.1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRoute() error = %v, want ErrNotFound", err)
	}
	if err := d.AddHostRoute(ctx, Route{Destination: "10.0.0.0/8", Interface: "en0"}); err != nil {
		t.Fatal(err)
	}
	if want := "route -n add -net 10.0.0.0/8 -interface en0"; runner.calls[2] != want {
		t.Errorf("ran %q, want %q", runner.calls[2], want)
	}
}

func TestDarwin_FirewallRules(t *testing.T) {
	current := "pass out quick on lo0 all flags S/SA keep state label \"vpn-core-ks-loopback\"\nNo ALTQ support in kernel\n"
	runner := &scriptedRunner{responses: map[string]response{
		"pfctl -s rules": {out: current},
	}}
	d := NewDarwin(runner)
	d.tempDir = t.TempDir()
	ctx := context.Background()

	if err := d.AddFirewallRule(ctx, Rule{Action: Drop, Tag: "vpn-core-ks-deny"}); err != nil {
		t.Fatal(err)
	}
	loaded := runner.files["pfctl"]
	if !strings.Contains(loaded, `block drop out quick all label "vpn-core-ks-deny"`) {
		t.Errorf("loaded ruleset = %q", loaded)
	}
	if strings.Contains(loaded, "ALTQ") {
		t.Error("informational pfctl output must not be loaded as rules")
	}

	before := len(runner.calls)
	if err := d.AddFirewallRule(ctx, Rule{Action: Accept, Interface: "lo0", Tag: "vpn-core-ks-loopback"}); err != nil {
		t.Fatal(err)
	}
	if len(runner.calls) != before+1 {
		t.Errorf("re-adding a labelled rule should only list rules, ran %v", runner.calls[before:])
	}

	if err := d.DeleteFirewallRule(ctx, Rule{Tag: "vpn-core-ks-missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteFirewallRule() error = %v, want ErrNotFound", err)
	}
	if err := d.DeleteFirewallRule(ctx, Rule{Tag: "vpn-core-ks-loopback"}); err != nil {
		t.Errorf("DeleteFirewallRule() error = %v", err)
	}
	if strings.Contains(runner.files["pfctl"], "vpn-core-ks-loopback") {
		t.Errorf("rule still loaded: %q", runner.files["pfctl"])
	}
}

func TestUnsupported(t *testing.T) {
	u := unsupported{goos: "plan9"}
	if err := u.AddHostRoute(context.Background(), Route{}); err == nil || !strings.Contains(fmt.Sprint(err), "plan9") {
		t.Errorf("unsupported error = %v", err)
	}
}
