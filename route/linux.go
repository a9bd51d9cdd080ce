package route

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	"github.com/yllada/vpn-core/common"
)

// Linux drives ip(8), iptables(8) and ip6tables(8).
type Linux struct {
	runner common.CommandRunner
	// discover finds the default gateway when the routing table cannot be
	// read with ip(8).
	discover func() (net.IP, error)
	// interfaceOf names the local interface whose network holds ip.
	interfaceOf func(ip net.IP) string
	// ipv6 reports whether the kernel has IPv6 enabled.
	ipv6    func() bool
	tempDir string
}

// NewLinux returns a Linux controller using runner.
func NewLinux(runner common.CommandRunner) *Linux {
	return &Linux{
		runner:      runner,
		discover:    gateway.DiscoverGateway,
		interfaceOf: localInterfaceOf,
		ipv6:        ipv6Enabled,
		tempDir:     os.TempDir(),
	}
}

func (l *Linux) Platform() string          { return "linux" }
func (l *Linux) LoopbackInterface() string { return "lo" }

// tunnelDevicePrefixes name interfaces that never carry the physical
// uplink.
var tunnelDevicePrefixes = []string{"tun", "tap", "wg"}

func isTunnelDevice(name string) bool {
	for _, p := range tunnelDevicePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func usableGateway(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}

// DefaultGateway returns the gateway of the physical uplink. Default routes
// through tunnel devices and device-only default routes are ignored, so
// the answer does not change once a tunnel installs its own default route.
func (l *Linux) DefaultGateway(ctx context.Context) (net.IP, error) {
	out, err := l.runner.Run(ctx, "ip", "route", "show", "default")
	if err == nil {
		if gw := parseDefaultGateway(string(out)); gw != nil {
			return gw, nil
		}
		return nil, fmt.Errorf("no default gateway outside the tunnel")
	}
	common.LogDebug("ip route show default failed, falling back to gateway discovery: %v", err)

	ip, derr := l.discover()
	if derr != nil {
		return nil, fmt.Errorf("no default gateway found: %w", derr)
	}
	if !usableGateway(ip) {
		return nil, fmt.Errorf("discovered gateway %v is not usable", ip)
	}
	if dev := l.interfaceOf(ip); isTunnelDevice(dev) {
		return nil, fmt.Errorf("discovered gateway %s is reached through tunnel device %s", ip, dev)
	}
	return ip, nil
}

// parseDefaultGateway picks the "via" address of the first default route
// that leaves through a non-tunnel device.
func parseDefaultGateway(output string) net.IP {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		var (
			via net.IP
			dev string
		)
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				via = net.ParseIP(fields[i+1])
			case "dev":
				dev = fields[i+1]
			}
		}
		if usableGateway(via) && !isTunnelDevice(dev) {
			return via
		}
	}
	return nil
}

func localInterfaceOf(ip net.IP) string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.Contains(ip) {
				return iface.Name
			}
		}
	}
	return ""
}

func ipv6Enabled() bool {
	_, err := os.Stat("/proc/net/if_inet6")
	return err == nil
}

// AddHostRoute installs or replaces a route.
func (l *Linux) AddHostRoute(ctx context.Context, r Route) error {
	args, err := l.routeArgs("replace", r)
	if err != nil {
		return err
	}
	if out, err := l.runner.Run(ctx, "ip", args...); err != nil {
		return fmt.Errorf("%w: %s: %s", common.ErrRouteInstallFailed, r.Destination, strings.TrimSpace(string(out)))
	}
	return nil
}

// DeleteRoute removes a route.
func (l *Linux) DeleteRoute(ctx context.Context, r Route) error {
	args, err := l.routeArgs("del", r)
	if err != nil {
		return err
	}
	out, err := l.runner.Run(ctx, "ip", args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such process") || strings.Contains(msg, "Cannot find") {
			return ErrNotFound
		}
		return fmt.Errorf("ip route del %s: %s", r.Destination, msg)
	}
	return nil
}

func (l *Linux) routeArgs(verb string, r Route) ([]string, error) {
	dst := NormalizeDestination(r.Destination)
	if dst == "" {
		return nil, fmt.Errorf("%w: invalid destination %q", common.ErrRouteInstallFailed, r.Destination)
	}
	args := []string{"route", verb, dst}
	if r.Gateway != "" {
		args = append(args, "via", r.Gateway)
	}
	if r.Interface != "" {
		args = append(args, "dev", r.Interface)
	}
	return args, nil
}

// iptablesFor returns the filter tool for family.
func iptablesFor(family Family) string {
	if family == IPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// AddFirewallRule inserts r into the OUTPUT chain of the filter table of
// its address family. IPv6 rules are skipped when the kernel has IPv6
// disabled since there is no IPv6 traffic to filter.
func (l *Linux) AddFirewallRule(ctx context.Context, r Rule) error {
	var args []string
	if r.Position > 0 {
		args = []string{"-w", "-I", "OUTPUT", strconv.Itoa(r.Position)}
	} else {
		args = []string{"-w", "-A", "OUTPUT"}
	}
	args = append(args, iptablesMatch(r)...)

	family := r.AddressFamily()
	tool := iptablesFor(family)
	if out, err := l.runner.Run(ctx, tool, args...); err != nil {
		if family == IPv6 && !l.ipv6() {
			common.LogDebug("IPv6 disabled, skipping %s", r.Tag)
			return nil
		}
		return fmt.Errorf("%s add %s: %s", tool, r.Tag, strings.TrimSpace(string(out)))
	}
	return nil
}

// DeleteFirewallRule removes the rule matching r.
func (l *Linux) DeleteFirewallRule(ctx context.Context, r Rule) error {
	args := append([]string{"-w", "-D", "OUTPUT"}, iptablesMatch(r)...)

	family := r.AddressFamily()
	tool := iptablesFor(family)
	out, err := l.runner.Run(ctx, tool, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "does a matching rule exist") || strings.Contains(msg, "No chain/target/match") {
			return ErrNotFound
		}
		if family == IPv6 && !l.ipv6() {
			return ErrNotFound
		}
		return fmt.Errorf("%s delete %s: %s", tool, r.Tag, msg)
	}
	return nil
}

func iptablesMatch(r Rule) []string {
	var args []string
	if r.Interface != "" {
		args = append(args, "-o", r.Interface)
	}
	if r.Destination != "" {
		args = append(args, "-d", r.Destination)
	}
	target := "ACCEPT"
	if r.Action == Drop {
		target = "DROP"
	}
	args = append(args, "-m", "comment", "--comment", r.Tag, "-j", target)
	return args
}

// Snapshot captures iptables-save and ip6tables-save output in structured
// form. A failing IPv6 capture only loses the IPv6 half.
func (l *Linux) Snapshot(ctx context.Context) (*Snapshot, error) {
	out, err := l.runner.Run(ctx, "iptables-save")
	if err != nil {
		return nil, fmt.Errorf("iptables-save: %w", err)
	}
	snap := ParseIptablesSave(string(out))

	if out, err := l.runner.Run(ctx, "ip6tables-save"); err != nil {
		if l.ipv6() {
			common.LogWarn("ip6tables-save failed, IPv6 rules will not be restored: %v", err)
		}
	} else {
		for _, t := range ParseIptablesSave(string(out)).Tables {
			t.Family = IPv6
			snap.Tables = append(snap.Tables, t)
		}
	}
	snap.TakenAt = time.Now()
	return snap, nil
}

// Restore loads a snapshot back with iptables-restore and, for the IPv6
// tables, ip6tables-restore.
func (l *Linux) Restore(ctx context.Context, s *Snapshot) error {
	if s == nil || len(s.Tables) == 0 {
		return fmt.Errorf("empty snapshot")
	}
	if s.Platform != "" && s.Platform != "linux" {
		return fmt.Errorf("snapshot from %s cannot be restored on linux", s.Platform)
	}

	v4 := &Snapshot{Platform: s.Platform}
	v6 := &Snapshot{Platform: s.Platform}
	for _, t := range s.Tables {
		if t.Family == IPv6 {
			v6.Tables = append(v6.Tables, t)
		} else {
			v4.Tables = append(v4.Tables, t)
		}
	}
	if len(v4.Tables) > 0 {
		if err := l.restoreWith(ctx, "iptables-restore", RenderIptablesSave(v4)); err != nil {
			return err
		}
	}
	if len(v6.Tables) > 0 {
		return l.restoreWith(ctx, "ip6tables-restore", RenderIptablesSave(v6))
	}
	return nil
}

func (l *Linux) restoreWith(ctx context.Context, tool, rules string) error {
	f, err := os.CreateTemp(l.tempDir, "vpn-core-restore-*.rules")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(rules); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if out, err := l.runner.Run(ctx, tool, f.Name()); err != nil {
		return fmt.Errorf("%s: %s", tool, strings.TrimSpace(string(out)))
	}
	return nil
}

// ParseIptablesSave converts iptables-save output to a Snapshot.
func ParseIptablesSave(output string) *Snapshot {
	snap := &Snapshot{Platform: "linux"}
	var cur *Table

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "*"):
			snap.Tables = append(snap.Tables, Table{Name: line[1:]})
			cur = &snap.Tables[len(snap.Tables)-1]
		case line == "COMMIT":
			cur = nil
		case cur == nil:
		case strings.HasPrefix(line, ":"):
			fields := strings.Fields(line[1:])
			c := Chain{Name: fields[0]}
			if len(fields) > 1 {
				c.Policy = fields[1]
			}
			cur.Chains = append(cur.Chains, c)
		default:
			cur.Rules = append(cur.Rules, line)
		}
	}
	return snap
}

// RenderIptablesSave produces iptables-restore input for s.
func RenderIptablesSave(s *Snapshot) string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "*%s\n", t.Name)
		for _, c := range t.Chains {
			policy := c.Policy
			if policy == "" {
				policy = "-"
			}
			fmt.Fprintf(&b, ":%s %s [0:0]\n", c.Name, policy)
		}
		for _, r := range t.Rules {
			b.WriteString(r)
			b.WriteByte('\n')
		}
		b.WriteString("COMMIT\n")
	}
	return b.String()
}
