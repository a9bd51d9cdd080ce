package vpn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/history"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/splittunnel"
)

// ServerTester is the selector surface exposed over IPC.
type ServerTester interface {
	ServerSelector
	ForceTestServers(ctx context.Context, servers []selector.Server) (map[string]selector.ProbeResult, error)
	LastTestTime() time.Time
}

// SplitTunnelControl is the split tunneling surface exposed over IPC.
type SplitTunnelControl interface {
	SplitTunnel
	AddDomainToBypass(ctx context.Context, domain string) common.Result
	RemoveDomainFromBypass(domain string) common.Result
	AddAppToVpnOnly(path string) common.Result
	RemoveAppFromVpnOnly(path string) common.Result
	GetConfiguration() splittunnel.Config
	Rules() []splittunnel.BypassRule
	AppRoutingSupported() bool
}

// HistoryReader lists recorded sessions.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// ServiceDeps are the components the service exposes next to the manager.
type ServiceDeps struct {
	Selector    ServerTester
	SplitTunnel SplitTunnelControl
	History     HistoryReader
}

// SplitTunnelView is the payload of SplitTunnelConfig.
type SplitTunnelView struct {
	Enabled             bool                     `json:"enabled"`
	Config              splittunnel.Config       `json:"config"`
	Rules               []splittunnel.BypassRule `json:"rules"`
	AppRoutingSupported bool                     `json:"appRoutingSupported"`
}

// TestReport is the payload of TestServers.
type TestReport struct {
	Results  map[string]selector.ProbeResult `json:"results"`
	TestedAt time.Time                       `json:"testedAt"`
}

// Service turns every control operation into a Result for the IPC layer.
type Service struct {
	m    *Manager
	deps ServiceDeps
}

// NewService wraps m.
func NewService(m *Manager, deps ServiceDeps) *Service {
	return &Service{m: m, deps: deps}
}

// Manager returns the wrapped manager.
func (s *Service) Manager() *Manager { return s.m }

// Servers lists the servers offered by the backend.
func (s *Service) Servers(ctx context.Context) common.Result {
	servers, err := s.m.deps.Backend.ListServers(ctx)
	if err != nil {
		return common.Fail(err)
	}
	return common.OK(fmt.Sprintf("%d servers", len(servers))).WithData(servers)
}

// SelectServer ranks the backend servers without connecting.
func (s *Service) SelectServer(ctx context.Context, opts selector.Options) common.Result {
	servers, err := s.m.deps.Backend.ListServers(ctx)
	if err != nil {
		return common.Fail(err)
	}
	sel, err := s.deps.Selector.SelectBestServer(ctx, servers, opts)
	if err != nil {
		return common.Fail(err)
	}
	res := common.OK(fmt.Sprintf("Selected %s", displayName(sel.Server))).WithData(sel)
	if sel.Err != nil {
		res = res.WithWarnings(sel.Err.Error())
	}
	return res
}

// TestServers probes every server, ignoring the cache.
func (s *Service) TestServers(ctx context.Context) common.Result {
	servers, err := s.m.deps.Backend.ListServers(ctx)
	if err != nil {
		return common.Fail(err)
	}
	results, err := s.deps.Selector.ForceTestServers(ctx, servers)
	if err != nil {
		return common.Fail(err)
	}
	usable := 0
	for _, r := range results {
		if r.Usable() {
			usable++
		}
	}
	return common.OK(fmt.Sprintf("Tested %d servers, %d reachable", len(results), usable)).
		WithData(TestReport{Results: results, TestedAt: s.deps.Selector.LastTestTime()})
}

// Connect establishes a tunnel.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) common.Result {
	res, err := s.m.Connect(ctx, req)
	if err != nil {
		return common.Fail(err)
	}
	name := res.Session.ServerName
	if name == "" {
		name = res.Session.ServerID
	}
	return common.OK(fmt.Sprintf("Connected to %s", name)).WithData(res).WithWarnings(res.Warnings...)
}

// Disconnect tears the tunnel down.
func (s *Service) Disconnect(ctx context.Context) common.Result {
	wasConnected := s.m.Status().State != StateDisconnected
	if err := s.m.Disconnect(ctx); err != nil {
		return common.Fail(err)
	}
	if !wasConnected {
		return common.OK("Not connected")
	}
	return common.OK("Disconnected")
}

// Status reports the connection state.
func (s *Service) Status() common.Result {
	st := s.m.Status()
	return common.OK(st.State.String()).WithData(st)
}

// EnableKillSwitch blocks non-tunnel traffic.
func (s *Service) EnableKillSwitch(ctx context.Context) common.Result {
	ks := s.m.deps.KillSwitch
	if ks == nil {
		return common.Fail(common.ErrUnsupportedPlatform)
	}
	iface := s.m.opts.Interface
	s.m.mu.Lock()
	server, connected := s.m.server, s.m.session != nil
	if connected {
		iface = s.m.session.InterfaceName
	}
	s.m.mu.Unlock()
	if connected {
		ks.SetAllowedEndpoints(s.m.endpointAddrs(ctx, server))
	}
	return ks.Enable(ctx, iface)
}

// DisableKillSwitch removes the kill switch rules.
func (s *Service) DisableKillSwitch(ctx context.Context) common.Result {
	ks := s.m.deps.KillSwitch
	if ks == nil {
		return common.Fail(common.ErrUnsupportedPlatform)
	}
	s.m.mu.Lock()
	s.m.ksAuto = false
	s.m.mu.Unlock()
	return ks.Disable(ctx)
}

// KillSwitchStatus reports whether the kill switch is on.
func (s *Service) KillSwitchStatus() common.Result {
	ks := s.m.deps.KillSwitch
	if ks == nil {
		return common.OK("disabled").WithData(false)
	}
	if ks.IsEnabled() {
		return common.OK("enabled").WithData(true)
	}
	return common.OK("disabled").WithData(false)
}

func (s *Service) splitTunnel() (SplitTunnelControl, error) {
	if s.deps.SplitTunnel == nil {
		return nil, errors.New("split tunneling is not configured")
	}
	return s.deps.SplitTunnel, nil
}

// EnableSplitTunnel installs bypass routes.
func (s *Service) EnableSplitTunnel(ctx context.Context) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return st.Enable(ctx, s.m.opts.Interface)
}

// DisableSplitTunnel removes bypass routes.
func (s *Service) DisableSplitTunnel(ctx context.Context) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	s.m.mu.Lock()
	s.m.stAuto = false
	s.m.mu.Unlock()
	return st.Disable(ctx)
}

// AddBypassDomain adds a domain to the bypass list.
func (s *Service) AddBypassDomain(ctx context.Context, domain string) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return st.AddDomainToBypass(ctx, domain)
}

// RemoveBypassDomain removes a domain from the bypass list.
func (s *Service) RemoveBypassDomain(domain string) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return st.RemoveDomainFromBypass(domain)
}

// AddVpnOnlyApp records an application that must use the tunnel.
func (s *Service) AddVpnOnlyApp(path string) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return st.AddAppToVpnOnly(path)
}

// RemoveVpnOnlyApp forgets an application.
func (s *Service) RemoveVpnOnlyApp(path string) common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return st.RemoveAppFromVpnOnly(path)
}

// SplitTunnelConfig returns the lists and installed rules.
func (s *Service) SplitTunnelConfig() common.Result {
	st, err := s.splitTunnel()
	if err != nil {
		return common.Fail(err)
	}
	return common.OK("split tunnel configuration").WithData(SplitTunnelView{
		Enabled:             st.IsEnabled(),
		Config:              st.GetConfiguration(),
		Rules:               st.Rules(),
		AppRoutingSupported: st.AppRoutingSupported(),
	})
}

// History lists recent sessions.
func (s *Service) History(ctx context.Context, limit int) common.Result {
	if s.deps.History == nil {
		return common.OK("no history").WithData([]history.Entry{})
	}
	entries, err := s.deps.History.List(ctx, limit)
	if err != nil {
		return common.Fail(err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return common.OK(fmt.Sprintf("%d sessions", len(entries))).WithData(entries)
}
