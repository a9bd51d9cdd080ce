// Package splittunnel routes selected destinations around the tunnel.
//
// Domains in the bypass list are resolved to IPv4 addresses and a host
// route through the pre-tunnel default gateway is installed for each.
// Routes are tracked by address, so an address shared by several domains
// is installed and removed once.
package splittunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/route"
)

// Config is the persisted user configuration.
type Config struct {
	BypassList []string `json:"bypassList"`
	AppsList   []string `json:"appsList"`
}

// BypassRule records what was installed for one domain.
type BypassRule struct {
	Domain            string   `json:"domain"`
	ResolvedIPs       []string `json:"resolvedIPs"`
	InstalledRouteIDs []string `json:"installedRouteIds"`
}

// VpnOnlyApp is an executable that must only use the tunnel.
type VpnOnlyApp struct {
	ExecutablePath string `json:"executablePath"`
}

type installedRoute struct {
	IP      string `json:"ip"`
	Gateway string `json:"gateway"`
}

func (r installedRoute) id() string { return r.IP + " via " + r.Gateway }

// state is persisted so a later process can remove what this one installed.
type state struct {
	Enabled   bool             `json:"enabled"`
	Interface string           `json:"interface,omitempty"`
	Gateway   string           `json:"gateway,omitempty"`
	Routes    []installedRoute `json:"routes,omitempty"`
	Rules     []BypassRule     `json:"rules,omitempty"`
}

const reapplyHint = "disable and re-enable split tunneling to fully apply the change"

// SplitTunnel manages bypass routes and the persisted lists.
type SplitTunnel struct {
	ctrl      route.Controller
	resolver  Resolver
	dir       string
	publisher events.Publisher

	mu    sync.Mutex
	cfg   Config
	state state
}

// New creates a SplitTunnel persisting under dir.
func New(ctrl route.Controller, resolver Resolver, dir string, publisher events.Publisher) *SplitTunnel {
	if publisher == nil {
		publisher = events.Discard
	}
	st := &SplitTunnel{ctrl: ctrl, resolver: resolver, dir: dir, publisher: publisher}

	cfg, err := LoadConfig(st.configPath())
	if err != nil {
		common.LogWarn("Split tunnel: ignoring unreadable configuration: %v", err)
	}
	st.cfg = cfg

	if err := common.ReadJSON(st.statePath(), &st.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		common.LogWarn("Split tunnel: ignoring unreadable state: %v", err)
		st.state = state{}
	}
	return st
}

func (st *SplitTunnel) configPath() string {
	return filepath.Join(st.dir, common.SplitTunnelFileName)
}

func (st *SplitTunnel) statePath() string {
	return filepath.Join(st.dir, common.SplitTunnelStateFileName)
}

// LoadConfig reads a configuration file; a missing file is an empty config.
func LoadConfig(path string) (Config, error) {
	cfg := Config{BypassList: []string{}, AppsList: []string{}}
	if err := common.ReadJSON(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{BypassList: []string{}, AppsList: []string{}}, err
	}
	if cfg.BypassList == nil {
		cfg.BypassList = []string{}
	}
	if cfg.AppsList == nil {
		cfg.AppsList = []string{}
	}
	return cfg, nil
}

// SaveConfig writes a configuration file.
func SaveConfig(path string, cfg Config) error {
	return common.WriteJSON(path, cfg)
}

// GetConfiguration returns a copy of the lists.
func (st *SplitTunnel) GetConfiguration() Config {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Config{
		BypassList: append([]string{}, st.cfg.BypassList...),
		AppsList:   append([]string{}, st.cfg.AppsList...),
	}
}

// Apps returns the VPN-only applications.
func (st *SplitTunnel) Apps() []VpnOnlyApp {
	st.mu.Lock()
	defer st.mu.Unlock()
	apps := make([]VpnOnlyApp, 0, len(st.cfg.AppsList))
	for _, p := range st.cfg.AppsList {
		apps = append(apps, VpnOnlyApp{ExecutablePath: p})
	}
	return apps
}

// Rules returns what is currently installed per domain.
func (st *SplitTunnel) Rules() []BypassRule {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]BypassRule(nil), st.state.Rules...)
}

// IsEnabled reports whether bypass routes are active.
func (st *SplitTunnel) IsEnabled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.Enabled
}

// AppRoutingSupported reports whether per-application routing is enforced
// on this platform. Application lists are recorded but not enforced yet.
func (st *SplitTunnel) AppRoutingSupported() bool {
	return false
}

const appRoutingWarning = "per-application routing is not enforced on this platform; the list is saved for later use"

// Enable installs bypass routes for every domain in the list.
func (st *SplitTunnel) Enable(ctx context.Context, iface string) common.Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state.Enabled {
		return common.OK("Split tunneling already enabled")
	}

	gw, err := st.ctrl.DefaultGateway(ctx)
	if err != nil {
		return common.Fail(fmt.Errorf("%w: default gateway: %v", common.ErrRouteInstallFailed, err))
	}

	st.state = state{Enabled: true, Interface: iface, Gateway: gw.String(), Routes: st.state.Routes}

	var warnings []string
	for _, domain := range st.cfg.BypassList {
		warnings = append(warnings, st.installDomain(ctx, domain)...)
	}
	if len(st.cfg.AppsList) > 0 && !st.AppRoutingSupported() {
		warnings = append(warnings, appRoutingWarning)
	}
	st.persistState()

	common.LogInfo("Split tunneling enabled: %d domains, %d routes via %s", len(st.cfg.BypassList), len(st.state.Routes), st.state.Gateway)
	st.publisher.Publish(events.Event{Type: events.SplitTunnelChanged, Source: "splittunnel", Message: "enabled", Data: true})
	return common.OK(fmt.Sprintf("Split tunneling enabled (%d routes)", len(st.state.Routes))).WithWarnings(warnings...)
}

// installDomain resolves domain and installs its routes. It returns
// warnings for anything that could not be applied.
func (st *SplitTunnel) installDomain(ctx context.Context, domain string) []string {
	var ips []net.IP
	if ip := net.ParseIP(domain); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := st.resolver.LookupA(ctx, domain)
		if err != nil {
			common.LogWarn("Split tunnel: cannot resolve %s: %v", domain, err)
			return []string{fmt.Sprintf("could not resolve %s: %v", domain, err)}
		}
		ips = resolved
	}

	rule := BypassRule{Domain: domain}
	var warnings []string
	for _, ip := range ips {
		if ip.To4() == nil {
			continue
		}
		addr := ip.String()
		rule.ResolvedIPs = append(rule.ResolvedIPs, addr)

		if existing, ok := st.findRoute(addr); ok {
			rule.InstalledRouteIDs = append(rule.InstalledRouteIDs, existing.id())
			continue
		}
		r := installedRoute{IP: addr, Gateway: st.state.Gateway}
		if err := st.ctrl.AddHostRoute(ctx, route.Route{Destination: addr, Gateway: r.Gateway}); err != nil {
			common.LogWarn("Split tunnel: %v", err)
			warnings = append(warnings, fmt.Sprintf("%v: %s (%s)", common.ErrRouteInstallFailed, addr, domain))
			continue
		}
		st.state.Routes = append(st.state.Routes, r)
		rule.InstalledRouteIDs = append(rule.InstalledRouteIDs, r.id())
	}

	st.replaceRule(rule)
	common.LogDebug("Split tunnel: %s -> %v", domain, rule.ResolvedIPs)
	return warnings
}

func (st *SplitTunnel) findRoute(ip string) (installedRoute, bool) {
	for _, r := range st.state.Routes {
		if r.IP == ip {
			return r, true
		}
	}
	return installedRoute{}, false
}

func (st *SplitTunnel) replaceRule(rule BypassRule) {
	for i, r := range st.state.Rules {
		if r.Domain == rule.Domain {
			st.state.Rules[i] = rule
			return
		}
	}
	st.state.Rules = append(st.state.Rules, rule)
}

// Disable removes every route this component installed.
func (st *SplitTunnel) Disable(ctx context.Context) common.Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.state.Enabled && len(st.state.Routes) == 0 {
		return common.OK("Split tunneling already disabled")
	}

	var warnings []string
	removed := 0
	for _, r := range st.state.Routes {
		err := st.ctrl.DeleteRoute(ctx, route.Route{Destination: r.IP, Gateway: r.Gateway})
		switch {
		case err == nil:
			removed++
		case errors.Is(err, route.ErrNotFound):
		default:
			common.LogWarn("Split tunnel: failed to remove route %s: %v", r.id(), err)
			warnings = append(warnings, fmt.Sprintf("could not remove route %s: %v", r.id(), err))
		}
	}

	st.state = state{}
	st.persistState()

	common.LogInfo("Split tunneling disabled (%d routes removed)", removed)
	st.publisher.Publish(events.Event{Type: events.SplitTunnelChanged, Source: "splittunnel", Message: "disabled", Data: false})
	return common.OK("Split tunneling disabled").WithWarnings(warnings...)
}

var domainPattern = regexp.MustCompile(`^([a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9])?\.)+[a-z0-9][a-z0-9-]{0,61}[a-z0-9]$`)

// NormalizeDomain lower-cases domain and strips any scheme, path, port or
// trailing dot. IPv4 addresses are accepted as-is.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")

	if ip := net.ParseIP(d); ip != nil && ip.To4() != nil {
		return ip.String(), nil
	}
	if len(d) > 253 || !domainPattern.MatchString(d) {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidDomain, domain)
	}
	return d, nil
}

// AddDomainToBypass adds domain to the bypass list. While enabled, its
// routes are installed immediately.
func (st *SplitTunnel) AddDomainToBypass(ctx context.Context, domain string) common.Result {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return common.Fail(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if common.StringInSlice(d, st.cfg.BypassList) {
		return common.OK(fmt.Sprintf("%s is already bypassed", d))
	}
	st.cfg.BypassList = append(st.cfg.BypassList, d)
	if err := st.saveConfig(); err != nil {
		return common.Fail(err)
	}

	if !st.state.Enabled {
		return common.OK(fmt.Sprintf("Added %s to bypass list", d))
	}
	warnings := st.installDomain(ctx, d)
	st.persistState()
	return common.OK(fmt.Sprintf("Added %s to bypass list and installed its routes", d)).WithWarnings(warnings...)
}

// RemoveDomainFromBypass removes domain from the list. Routes already
// installed stay until split tunneling is disabled.
func (st *SplitTunnel) RemoveDomainFromBypass(domain string) common.Result {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return common.Fail(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !common.StringInSlice(d, st.cfg.BypassList) {
		return common.OK(fmt.Sprintf("%s is not in the bypass list", d))
	}
	st.cfg.BypassList = common.RemoveFromSlice(st.cfg.BypassList, d)
	if err := st.saveConfig(); err != nil {
		return common.Fail(err)
	}
	if st.state.Enabled {
		return common.OK(fmt.Sprintf("Removed %s from bypass list; %s", d, reapplyHint))
	}
	return common.OK(fmt.Sprintf("Removed %s from bypass list", d))
}

// AddAppToVpnOnly records an executable that must use the tunnel.
func (st *SplitTunnel) AddAppToVpnOnly(path string) common.Result {
	p, err := normalizeAppPath(path)
	if err != nil {
		return common.Fail(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if common.StringInSlice(p, st.cfg.AppsList) {
		return common.OK(fmt.Sprintf("%s is already VPN-only", p)).WithWarnings(appRoutingWarning)
	}
	st.cfg.AppsList = append(st.cfg.AppsList, p)
	if err := st.saveConfig(); err != nil {
		return common.Fail(err)
	}
	return st.appResult(fmt.Sprintf("Added %s to VPN-only apps", p))
}

// RemoveAppFromVpnOnly forgets an executable.
func (st *SplitTunnel) RemoveAppFromVpnOnly(path string) common.Result {
	p, err := normalizeAppPath(path)
	if err != nil {
		return common.Fail(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !common.StringInSlice(p, st.cfg.AppsList) {
		return common.OK(fmt.Sprintf("%s is not a VPN-only app", p))
	}
	st.cfg.AppsList = common.RemoveFromSlice(st.cfg.AppsList, p)
	if err := st.saveConfig(); err != nil {
		return common.Fail(err)
	}
	return st.appResult(fmt.Sprintf("Removed %s from VPN-only apps", p))
}

func (st *SplitTunnel) appResult(msg string) common.Result {
	if st.state.Enabled {
		msg += "; " + reapplyHint
	}
	res := common.OK(msg)
	if !st.AppRoutingSupported() {
		res = res.WithWarnings(appRoutingWarning)
	}
	return res
}

func normalizeAppPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("application path is required")
	}
	return filepath.Clean(p), nil
}

func (st *SplitTunnel) saveConfig() error {
	if err := SaveConfig(st.configPath(), st.cfg); err != nil {
		common.LogError("Split tunnel: failed to save configuration: %v", err)
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

func (st *SplitTunnel) persistState() {
	if err := common.WriteJSON(st.statePath(), st.state); err != nil {
		common.LogWarn("Split tunnel: failed to persist state: %v", err)
	}
}
