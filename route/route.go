// Package route manipulates the host routing table and packet filter.
//
// Callers work with typed Route, Rule and Snapshot values; each platform
// implementation translates them into its own tooling (ip/iptables on
// Linux, route/pfctl on macOS) and maps tool failures back onto typed
// errors such as ErrNotFound.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/yllada/vpn-core/common"
)

// ErrNotFound reports that a route or rule to be removed does not exist.
var ErrNotFound = errors.New("route or rule not found")

// Route is a host or network route.
type Route struct {
	// Destination is a CIDR; a bare address is treated as a host route.
	Destination string `json:"destination"`
	Gateway     string `json:"gateway,omitempty"`
	Interface   string `json:"interface,omitempty"`
}

// Action is what a firewall rule does with matching traffic.
type Action string

const (
	Accept Action = "accept"
	Drop   Action = "drop"
)

// Family is the address family a firewall rule applies to.
type Family string

const (
	IPv4 Family = "inet"
	IPv6 Family = "inet6"
)

// FamilyOf returns the family of an address or CIDR, or "" when dst is
// not one.
func FamilyOf(dst string) Family {
	dst = NormalizeDestination(dst)
	if dst == "" {
		return ""
	}
	if strings.Contains(dst, ":") {
		return IPv6
	}
	return IPv4
}

// Rule is an outbound packet filter rule owned by this program.
type Rule struct {
	Action Action `json:"action"`
	// Interface restricts the rule to traffic leaving this interface.
	Interface string `json:"interface,omitempty"`
	// Destination restricts the rule to one address or CIDR.
	Destination string `json:"destination,omitempty"`
	// Tag uniquely identifies the rule so it can be removed exactly.
	Tag string `json:"tag"`
	// Family selects the IPv4 or IPv6 filter. Empty means the family of
	// Destination, or IPv4 when there is none.
	Family Family `json:"family,omitempty"`
	// Position is the 1-based insert position within the rule's family;
	// 0 appends.
	Position int `json:"position,omitempty"`
}

// AddressFamily resolves the effective family of r.
func (r Rule) AddressFamily() Family {
	if r.Family != "" {
		return r.Family
	}
	if f := FamilyOf(r.Destination); f != "" {
		return f
	}
	return IPv4
}

// Snapshot is a structured copy of the packet filter state.
type Snapshot struct {
	Platform string    `json:"platform"`
	TakenAt  time.Time `json:"takenAt"`
	Tables   []Table   `json:"tables"`
}

// Table is one filter table (or the single pf ruleset).
type Table struct {
	Name string `json:"name"`
	// Family is IPv6 for ip6tables tables; empty means IPv4.
	Family Family   `json:"family,omitempty"`
	Chains []Chain  `json:"chains,omitempty"`
	Rules  []string `json:"rules"`
}

// Chain is a chain header with its default policy.
type Chain struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
}

// RuleCount returns the number of rules across all tables.
func (s *Snapshot) RuleCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Rules)
	}
	return n
}

// Controller is the platform primitive used by the kill switch and split
// tunneling. Delete operations return ErrNotFound when there is nothing
// to delete.
type Controller interface {
	Platform() string
	LoopbackInterface() string
	DefaultGateway(ctx context.Context) (net.IP, error)
	AddHostRoute(ctx context.Context, r Route) error
	DeleteRoute(ctx context.Context, r Route) error
	AddFirewallRule(ctx context.Context, r Rule) error
	DeleteFirewallRule(ctx context.Context, r Rule) error
	Snapshot(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, s *Snapshot) error
}

// New returns the controller for the running platform.
func New(runner common.CommandRunner) Controller {
	if runner == nil {
		runner = common.ExecRunner{}
	}
	switch runtime.GOOS {
	case "linux":
		return NewLinux(runner)
	case "darwin":
		return NewDarwin(runner)
	default:
		return unsupported{goos: runtime.GOOS}
	}
}

// NormalizeDestination converts "192.168.1.1/24" to "192.168.1.0/24" and
// a bare address to a host prefix. It returns "" for invalid input.
func NormalizeDestination(dst string) string {
	dst = strings.TrimSpace(dst)
	if dst == "" {
		return ""
	}
	if strings.Contains(dst, "/") {
		_, ipNet, err := net.ParseCIDR(dst)
		if err != nil {
			return ""
		}
		ones, _ := ipNet.Mask.Size()
		return fmt.Sprintf("%s/%d", ipNet.IP.String(), ones)
	}
	ip := net.ParseIP(dst)
	if ip == nil {
		return ""
	}
	if ip.To4() != nil {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}

// hostAddress strips a host prefix length, returning the bare address.
func hostAddress(dst string) string {
	if i := strings.IndexByte(dst, '/'); i >= 0 {
		if suffix := dst[i+1:]; suffix == "32" || suffix == "128" {
			return dst[:i]
		}
	}
	return dst
}

type unsupported struct{ goos string }

func (u unsupported) err() error {
	return fmt.Errorf("%w: %s", common.ErrUnsupportedPlatform, u.goos)
}

func (u unsupported) Platform() string          { return u.goos }
func (u unsupported) LoopbackInterface() string { return "lo" }

func (u unsupported) DefaultGateway(context.Context) (net.IP, error) { return nil, u.err() }
func (u unsupported) AddHostRoute(context.Context, Route) error      { return u.err() }
func (u unsupported) DeleteRoute(context.Context, Route) error       { return u.err() }
func (u unsupported) AddFirewallRule(context.Context, Rule) error    { return u.err() }
func (u unsupported) DeleteFirewallRule(context.Context, Rule) error { return u.err() }
func (u unsupported) Snapshot(context.Context) (*Snapshot, error)    { return nil, u.err() }
func (u unsupported) Restore(context.Context, *Snapshot) error       { return u.err() }
