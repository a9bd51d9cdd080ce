package route

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	"github.com/yllada/vpn-core/common"
)

// Darwin drives route(8) and pfctl(8). Rules are identified in the pf
// ruleset by their label, which pfctl preserves when listing.
type Darwin struct {
	runner   common.CommandRunner
	discover func() (net.IP, error)
	tempDir  string
}

// NewDarwin returns a macOS controller using runner.
func NewDarwin(runner common.CommandRunner) *Darwin {
	return &Darwin{
		runner:   runner,
		discover: gateway.DiscoverGateway,
		tempDir:  os.TempDir(),
	}
}

func (d *Darwin) Platform() string          { return "darwin" }
func (d *Darwin) LoopbackInterface() string { return "lo0" }

// DefaultGateway returns the current default gateway.
func (d *Darwin) DefaultGateway(ctx context.Context) (net.IP, error) {
	if ip, err := d.discover(); err == nil && ip != nil {
		return ip, nil
	}
	out, err := d.runner.Run(ctx, "route", "-n", "get", "default")
	if err != nil {
		return nil, fmt.Errorf("route get default: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "gateway:") {
			if ip := net.ParseIP(strings.TrimSpace(line[len("gateway:"):])); ip != nil {
				return ip, nil
			}
		}
	}
	return nil, fmt.Errorf("no default gateway found in route output")
}

// AddHostRoute adds a route; an existing identical route is accepted.
func (d *Darwin) AddHostRoute(ctx context.Context, r Route) error {
	args, err := darwinRouteArgs("add", r)
	if err != nil {
		return err
	}
	if err := d.routeExec(ctx, args, true); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRouteInstallFailed, err)
	}
	return nil
}

// DeleteRoute removes a route.
func (d *Darwin) DeleteRoute(ctx context.Context, r Route) error {
	args, err := darwinRouteArgs("delete", r)
	if err != nil {
		return err
	}
	return d.routeExec(ctx, args, false)
}

func darwinRouteArgs(verb string, r Route) ([]string, error) {
	dst := NormalizeDestination(r.Destination)
	if dst == "" {
		return nil, fmt.Errorf("%w: invalid destination %q", common.ErrRouteInstallFailed, r.Destination)
	}
	args := []string{"-n", verb}
	if host := hostAddress(dst); host != dst {
		args = append(args, "-host", host)
	} else {
		args = append(args, "-net", dst)
	}
	switch {
	case r.Gateway != "":
		args = append(args, r.Gateway)
	case r.Interface != "":
		args = append(args, "-interface", r.Interface)
	}
	return args, nil
}

func (d *Darwin) routeExec(ctx context.Context, args []string, tolerateExists bool) error {
	out, err := d.runner.Run(ctx, "route", args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if tolerateExists && strings.Contains(msg, "File exists") {
			return nil
		}
		if strings.Contains(msg, "not in table") {
			return ErrNotFound
		}
		return fmt.Errorf("route %s: %s", strings.Join(args, " "), msg)
	}
	return nil
}

// AddFirewallRule inserts r into the main pf ruleset and enables pf.
func (d *Darwin) AddFirewallRule(ctx context.Context, r Rule) error {
	rules, err := d.currentRules(ctx)
	if err != nil {
		return err
	}
	label := pfLabel(r.Tag)
	for _, line := range rules {
		if strings.Contains(line, label) {
			return nil
		}
	}

	line := pfRule(r)
	pos := r.Position - 1
	if pos < 0 || pos > len(rules) {
		pos = len(rules)
	}
	rules = append(rules[:pos], append([]string{line}, rules[pos:]...)...)

	if err := d.load(ctx, rules); err != nil {
		return err
	}
	// pfctl -E fails harmlessly when pf is already enabled.
	_, _ = d.runner.Run(ctx, "pfctl", "-E")
	return nil
}

// DeleteFirewallRule removes the rule carrying r's label.
func (d *Darwin) DeleteFirewallRule(ctx context.Context, r Rule) error {
	rules, err := d.currentRules(ctx)
	if err != nil {
		return err
	}
	label := pfLabel(r.Tag)
	kept := rules[:0]
	found := false
	for _, line := range rules {
		if strings.Contains(line, label) {
			found = true
			continue
		}
		kept = append(kept, line)
	}
	if !found {
		return ErrNotFound
	}
	return d.load(ctx, kept)
}

func pfLabel(tag string) string {
	return fmt.Sprintf("label %q", tag)
}

func pfRule(r Rule) string {
	verb := "pass"
	if r.Action == Drop {
		verb = "block drop"
	}
	var b strings.Builder
	b.WriteString(verb)
	b.WriteString(" out quick")
	if r.Interface != "" {
		fmt.Fprintf(&b, " on %s", r.Interface)
	}
	if r.Family != "" {
		fmt.Fprintf(&b, " %s", r.Family)
	}
	if r.Destination != "" {
		fmt.Fprintf(&b, " to %s", r.Destination)
	} else {
		b.WriteString(" all")
	}
	fmt.Fprintf(&b, " %s", pfLabel(r.Tag))
	return b.String()
}

func (d *Darwin) currentRules(ctx context.Context) ([]string, error) {
	out, err := d.runner.Run(ctx, "pfctl", "-s", "rules")
	if err != nil {
		return nil, fmt.Errorf("pfctl -s rules: %s", strings.TrimSpace(string(out)))
	}
	return parsePfRules(string(out)), nil
}

// parsePfRules keeps rule lines, dropping pfctl's informational chatter.
func parsePfRules(output string) []string {
	var rules []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "No ALTQ") || strings.HasPrefix(line, "ALTQ") {
			continue
		}
		rules = append(rules, line)
	}
	return rules
}

func (d *Darwin) load(ctx context.Context, rules []string) error {
	f, err := os.CreateTemp(d.tempDir, "vpn-core-pf-*.conf")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(strings.Join(rules, "\n") + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if out, err := d.runner.Run(ctx, "pfctl", "-f", f.Name()); err != nil {
		return fmt.Errorf("pfctl -f: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Snapshot captures the main pf ruleset.
func (d *Darwin) Snapshot(ctx context.Context) (*Snapshot, error) {
	rules, err := d.currentRules(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Platform: "darwin",
		TakenAt:  time.Now(),
		Tables:   []Table{{Name: "pf", Rules: rules}},
	}, nil
}

// Restore reloads a captured ruleset.
func (d *Darwin) Restore(ctx context.Context, s *Snapshot) error {
	if s == nil || len(s.Tables) == 0 {
		return fmt.Errorf("empty snapshot")
	}
	if s.Platform != "" && s.Platform != "darwin" {
		return fmt.Errorf("snapshot from %s cannot be restored on darwin", s.Platform)
	}
	var rules []string
	for _, t := range s.Tables {
		rules = append(rules, t.Rules...)
	}
	return d.load(ctx, rules)
}
