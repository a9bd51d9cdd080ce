// Package vpn provides VPN connection management functionality.
// This file contains the Manager type which orchestrates a single tunnel
// session: server resolution, configuration fetch, tunnel launch, health
// monitoring and the traffic policies that accompany a connection.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/history"
	"github.com/yllada/vpn-core/monitor"
	"github.com/yllada/vpn-core/selector"
)

// State represents the connection lifecycle.
type State int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota
	// StateConnecting indicates a connection is being established.
	StateConnecting
	// StateConnected indicates an established tunnel.
	StateConnected
	// StateDisconnecting indicates the tunnel is being torn down.
	StateDisconnecting
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "disconnecting":
		*s = StateDisconnecting
	default:
		*s = StateDisconnected
	}
	return nil
}

// Session is the active tunnel session.
type Session struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"serverId"`
	ServerName     string    `json:"serverName,omitempty"`
	ConnectionType string    `json:"connectionType"`
	InterfaceName  string    `json:"interfaceName"`
	ConfigFilePath string    `json:"configFilePath"`
	StartedAt      time.Time `json:"startedAt"`
	PID            int       `json:"pid,omitempty"`
	// CachedConfig is set when the backend was unreachable and a stored
	// configuration was used.
	CachedConfig bool `json:"cachedConfig,omitempty"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State                  `json:"state"`
	Session     *Session               `json:"session,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	Reconnect   monitor.ReconnectState `json:"reconnect"`
	KillSwitch  bool                   `json:"killSwitch"`
	SplitTunnel bool                   `json:"splitTunnel"`
}

// ConnectRequest selects the server and mode of a connection.
type ConnectRequest struct {
	// ServerID is a server ID, or empty / "auto" to let the selector pick.
	ServerID          string            `json:"serverId,omitempty"`
	Type              string            `json:"type,omitempty"`
	Priority          selector.Priority `json:"priority,omitempty"`
	PreferredLocation string            `json:"preferredLocation,omitempty"`
	ForceRefresh      bool              `json:"forceRefresh,omitempty"`
}

// ConnectResult describes a successful connection.
type ConnectResult struct {
	Session   Session             `json:"session"`
	Selection *selector.Selection `json:"selection,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Backend is the part of the backend API the manager uses.
type Backend interface {
	ListServers(ctx context.Context) ([]selector.Server, error)
	FetchConfig(ctx context.Context, serverID, connType string) (string, error)
	ReportStatus(ctx context.Context, serverID, status string) error
}

// ServerSelector picks a server automatically.
type ServerSelector interface {
	SelectBestServer(ctx context.Context, servers []selector.Server, opts selector.Options) (*selector.Selection, error)
}

// SessionLog records sessions.
type SessionLog interface {
	Start(ctx context.Context, e history.Entry) (string, error)
	End(ctx context.Context, id, reason string) error
}

// KillSwitch is the traffic blocking policy.
type KillSwitch interface {
	Enable(ctx context.Context, iface string) common.Result
	Disable(ctx context.Context) common.Result
	IsEnabled() bool
	SetAllowedEndpoints(addrs []string)
}

// SplitTunnel is the bypass routing policy.
type SplitTunnel interface {
	Enable(ctx context.Context, iface string) common.Result
	Disable(ctx context.Context) common.Result
	IsEnabled() bool
}

// Options are the tunnel and policy settings.
type Options struct {
	Binary         string
	Args           []string
	Interface      string
	ConnectionType string
	SuccessMarker  string
	ConnectTimeout time.Duration
	TerminateGrace time.Duration
	// WorkDir receives tunnel configuration files.
	WorkDir string
	// TestConfig is used when the backend has no configuration to offer.
	TestConfig string

	KillSwitchOnConnect  bool
	SplitTunnelOnConnect bool

	Monitor monitor.Config
}

// Deps are the collaborators of the manager. Backend, Selector and
// Launcher are required.
type Deps struct {
	Backend     Backend
	Selector    ServerSelector
	Launcher    Launcher
	Checker     monitor.Checker
	KillSwitch  KillSwitch
	SplitTunnel SplitTunnel
	History     SessionLog
	Publisher   events.Publisher
	// Resolve looks up server hostnames for kill switch exceptions.
	Resolve func(ctx context.Context, host string) ([]string, error)
}

// Manager owns the single tunnel session.
type Manager struct {
	opts Options
	deps Deps
	pub  events.Publisher
	mon  *monitor.Monitor

	mu      sync.Mutex
	state   State
	session *Session
	server  selector.Server
	tunnel  Tunnel
	lastErr error
	// gen changes whenever the tunnel is replaced or torn down, so stale
	// goroutines can tell their work is obsolete.
	gen           uint64
	historyID     string
	cancelConnect context.CancelFunc
	ksAuto        bool
	stAuto        bool

	bg sync.WaitGroup
}

// New creates a manager.
func New(opts Options, deps Deps) *Manager {
	if opts.Interface == "" {
		opts.Interface = common.DefaultInterface
	}
	if opts.ConnectionType == "" {
		opts.ConnectionType = common.DefaultConnectionType
	}
	if opts.Binary == "" {
		opts.Binary = common.DefaultTunnelBinary
	}
	if opts.SuccessMarker == "" {
		opts.SuccessMarker = common.DefaultSuccessMarker
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = common.ConnectionTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = common.TerminateGracePeriod
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), common.ConfigDirName)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	if deps.Launcher == nil {
		deps.Launcher = DirectLauncher{}
	}
	if deps.Resolve == nil {
		deps.Resolve = net.DefaultResolver.LookupHost
	}

	m := &Manager{opts: opts, deps: deps, pub: deps.Publisher}
	m.mon = monitor.New(opts.Monitor, deps.Checker, monitorEvents{m})
	return m
}

// Monitor returns the health monitor of the manager.
func (m *Manager) Monitor() *monitor.Monitor {
	return m.mon
}

// Connect establishes a tunnel. It fails with ErrAlreadyConnected while a
// session exists or is being set up.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil, common.ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.lastErr = nil
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	m.mu.Unlock()
	defer cancel()

	connType := req.Type
	if connType == "" {
		connType = m.opts.ConnectionType
	}
	m.emit(events.Connecting, "Connecting", nil)

	server, sel, warnings, err := m.resolveServer(ctx, req)
	if err != nil {
		return nil, m.failConnect(gen, err)
	}

	tunnel, cfgPath, cached, err := m.establish(ctx, server, connType)
	if err != nil {
		return nil, m.failConnect(gen, err)
	}
	if cached {
		warnings = append(warnings, "backend unreachable, using stored configuration")
	}

	session := &Session{
		ID:             uuid.NewString(),
		ServerID:       server.ID,
		ServerName:     server.Name,
		ConnectionType: connType,
		InterfaceName:  m.opts.Interface,
		ConfigFilePath: cfgPath,
		StartedAt:      time.Now(),
		PID:            tunnel.PID(),
		CachedConfig:   cached,
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = tunnel.Stop()
		return nil, common.ErrCancelled
	}
	m.state = StateConnected
	m.session = session
	m.server = server
	m.tunnel = tunnel
	m.cancelConnect = nil
	m.mu.Unlock()

	m.watchTunnel(tunnel, gen)
	m.recordStart(session)

	info := monitor.SessionInfo{
		ID:             session.ID,
		ServerID:       session.ServerID,
		ConnectionType: session.ConnectionType,
		InterfaceName:  session.InterfaceName,
		StartedAt:      session.StartedAt,
	}
	if err := m.mon.StartMonitoring(info, m.reconnect); err != nil {
		warnings = append(warnings, fmt.Sprintf("health monitor: %v", err))
	}

	warnings = append(warnings, m.applyPolicies(ctx, server)...)
	m.reportStatus(server.ID, common.RemoteStatusConnected)

	common.LogInfo("Connected to %s (%s) on %s", server.Name, server.ID, session.InterfaceName)
	m.emit(events.Connected, fmt.Sprintf("Connected to %s", displayName(server)), *session)

	return &ConnectResult{Session: *session, Selection: sel, Warnings: warnings}, nil
}

func (m *Manager) failConnect(gen uint64, err error) error {
	m.mu.Lock()
	if m.gen == gen && m.state == StateConnecting {
		m.state = StateDisconnected
		m.lastErr = err
		m.cancelConnect = nil
	}
	m.mu.Unlock()

	common.LogError("Connection failed: %v", err)
	m.emit(events.Error, err.Error(), nil)
	return err
}

// resolveServer picks the target from the backend list, explicitly or
// through the selector.
func (m *Manager) resolveServer(ctx context.Context, req ConnectRequest) (selector.Server, *selector.Selection, []string, error) {
	explicit := req.ServerID != "" && req.ServerID != "auto"

	servers, err := m.deps.Backend.ListServers(ctx)
	if err != nil {
		if explicit {
			common.LogWarn("Server list unavailable, connecting to %s by ID: %v", req.ServerID, err)
			return selector.Server{ID: req.ServerID, Name: req.ServerID},
				nil, []string{fmt.Sprintf("server list unavailable: %v", err)}, nil
		}
		return selector.Server{}, nil, nil, err
	}

	if explicit {
		for _, s := range servers {
			if s.ID == req.ServerID {
				return s, nil, nil, nil
			}
		}
		return selector.Server{}, nil, nil, fmt.Errorf("%w: %s", common.ErrServerNotFound, req.ServerID)
	}

	sel, err := m.deps.Selector.SelectBestServer(ctx, servers, selector.Options{
		Priority:          req.Priority,
		PreferredLocation: req.PreferredLocation,
		ForceRefresh:      req.ForceRefresh,
	})
	if err != nil {
		return selector.Server{}, nil, nil, err
	}
	var warnings []string
	if sel.Err != nil {
		warnings = append(warnings, fmt.Sprintf("server selection fell back to %s: %v", sel.Server.ID, sel.Err))
	}
	return sel.Server, sel, warnings, nil
}

// establish fetches the configuration and starts the tunnel.
func (m *Manager) establish(ctx context.Context, server selector.Server, connType string) (Tunnel, string, bool, error) {
	path := m.configPath(server.ID, connType)

	text, cached, err := m.fetchConfig(ctx, server.ID, connType, path)
	if err != nil {
		return nil, "", false, err
	}
	if !cached {
		if err := common.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, "", false, fmt.Errorf("creating work dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(text), 0600); err != nil {
			return nil, "", false, fmt.Errorf("writing tunnel config: %w", err)
		}
	}

	tunnel, err := m.deps.Launcher.Launch(ctx, LaunchSpec{
		Binary:        m.opts.Binary,
		Args:          m.opts.Args,
		ConfigPath:    path,
		Interface:     m.opts.Interface,
		SuccessMarker: m.opts.SuccessMarker,
		Timeout:       m.opts.ConnectTimeout,
		Grace:         m.opts.TerminateGrace,
		OnOutput:      m.tunnelOutput,
	})
	if err != nil {
		return nil, "", false, err
	}
	return tunnel, path, cached, nil
}

// fetchConfig downloads the configuration, falling back to the copy
// stored by a previous connection and then to the test configuration.
func (m *Manager) fetchConfig(ctx context.Context, serverID, connType, path string) (string, bool, error) {
	text, err := m.deps.Backend.FetchConfig(ctx, serverID, connType)
	if err == nil {
		return text, false, nil
	}
	if ctx.Err() != nil {
		return "", false, fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	}
	common.LogWarn("Config fetch for %s failed: %v", serverID, err)

	if data, rerr := os.ReadFile(path); rerr == nil && len(data) > 0 {
		common.LogInfo("Using stored configuration %s", path)
		return string(data), true, nil
	}
	if m.opts.TestConfig != "" {
		if data, rerr := os.ReadFile(m.opts.TestConfig); rerr == nil {
			common.LogInfo("Using test configuration %s", m.opts.TestConfig)
			if werr := common.EnsureDir(filepath.Dir(path)); werr != nil {
				return "", false, fmt.Errorf("creating work dir: %w", werr)
			}
			if werr := os.WriteFile(path, data, 0600); werr != nil {
				return "", false, fmt.Errorf("writing tunnel config: %w", werr)
			}
			return string(data), true, nil
		}
	}
	return "", false, err
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (m *Manager) configPath(serverID, connType string) string {
	name := unsafeFileChars.ReplaceAllString(serverID+"-"+connType, "_")
	return filepath.Join(m.opts.WorkDir, name+".conf")
}

func (m *Manager) tunnelOutput(line string) {
	common.LogDebug("Tunnel: %s", line)
	m.pub.Publish(events.Event{Type: events.Log, Source: "tunnel", Message: line})
}

// applyPolicies enables the kill switch and split tunneling as configured.
func (m *Manager) applyPolicies(ctx context.Context, server selector.Server) []string {
	var warnings []string

	if m.deps.KillSwitch != nil && m.opts.KillSwitchOnConnect {
		m.deps.KillSwitch.SetAllowedEndpoints(m.endpointAddrs(ctx, server))
		wasOn := m.deps.KillSwitch.IsEnabled()
		res := m.deps.KillSwitch.Enable(ctx, m.opts.Interface)
		warnings = append(warnings, res.Warnings...)
		if !res.Success {
			warnings = append(warnings, "kill switch: "+res.Error)
		} else if !wasOn {
			m.mu.Lock()
			m.ksAuto = true
			m.mu.Unlock()
		}
	}

	if m.deps.SplitTunnel != nil && m.opts.SplitTunnelOnConnect {
		wasOn := m.deps.SplitTunnel.IsEnabled()
		res := m.deps.SplitTunnel.Enable(ctx, m.opts.Interface)
		warnings = append(warnings, res.Warnings...)
		if !res.Success {
			warnings = append(warnings, "split tunneling: "+res.Error)
		} else if !wasOn {
			m.mu.Lock()
			m.stAuto = true
			m.mu.Unlock()
		}
	}

	for _, w := range warnings {
		common.LogWarn("Connect: %s", w)
	}
	return warnings
}

// endpointAddrs returns the server IPs that must bypass the kill switch.
func (m *Manager) endpointAddrs(ctx context.Context, server selector.Server) []string {
	if server.IP != "" {
		return []string{server.IP}
	}
	if server.Host == "" {
		return nil
	}
	if ip := net.ParseIP(server.Host); ip != nil {
		return []string{ip.String()}
	}
	addrs, err := m.deps.Resolve(ctx, server.Host)
	if err != nil {
		common.LogWarn("Could not resolve %s for kill switch exception: %v", server.Host, err)
		return nil
	}
	return addrs
}

// watchTunnel hands unexpected tunnel exits to the monitor.
func (m *Manager) watchTunnel(t Tunnel, gen uint64) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		<-t.Done()

		m.mu.Lock()
		current := m.gen == gen && m.state == StateConnected
		m.mu.Unlock()
		if !current {
			return
		}

		common.LogWarn("Tunnel process exited unexpectedly: %v", t.Err())
		m.emit(events.ConnectionLost, "tunnel process exited", nil)
		if err := m.mon.TriggerReconnect("tunnel process exited"); err != nil && !errors.Is(err, common.ErrAlreadyReconnecting) {
			common.LogWarn("Cannot reconnect: %v", err)
			m.giveUp(fmt.Errorf("%w: tunnel exited", common.ErrConnectionFailed))
		}
	}()
}

// reconnect replaces the tunnel with a new one to the same server. It is
// called by the monitor.
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	if (m.state != StateConnected && m.state != StateConnecting) || m.session == nil {
		m.mu.Unlock()
		return common.ErrNotConnected
	}
	server := m.server
	connType := m.session.ConnectionType
	old := m.tunnel
	m.tunnel = nil
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.emit(events.Connecting, fmt.Sprintf("Reconnecting to %s", displayName(server)), nil)
	if old != nil {
		if err := old.Stop(); err != nil {
			common.LogWarn("Stopping previous tunnel: %v", err)
		}
	}

	tunnel, _, _, err := m.establish(ctx, server, connType)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = tunnel.Stop()
		return common.ErrCancelled
	}
	m.tunnel = tunnel
	m.state = StateConnected
	m.session.PID = tunnel.PID()
	m.mu.Unlock()

	m.watchTunnel(tunnel, gen)
	return nil
}

// giveUp tears the session down after reconnection failed for good. The
// kill switch is left in place so traffic stays blocked.
func (m *Manager) giveUp(cause error) {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		m.mu.Unlock()
		return
	}
	t := m.tunnel
	session := m.session
	stAuto := m.stAuto
	m.tunnel = nil
	m.session = nil
	m.gen++
	m.state = StateDisconnected
	m.lastErr = cause
	m.stAuto = false
	m.mu.Unlock()

	if t != nil {
		_ = t.Stop()
	}
	if stAuto {
		m.deps.SplitTunnel.Disable(context.Background())
	}
	if m.deps.KillSwitch != nil && m.deps.KillSwitch.IsEnabled() {
		common.LogWarn("Kill switch remains active after connection loss")
	}
	m.recordEnd(history.ReasonLost)
	if session != nil {
		m.reportStatus(session.ServerID, common.RemoteStatusDisconnected)
	}

	common.LogError("Connection lost: %v", cause)
	m.emit(events.Error, cause.Error(), nil)
	m.emit(events.Disconnected, "Connection lost", nil)
}

// Disconnect tears the session down. It succeeds without doing anything
// when there is no session.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDisconnecting
	m.gen++
	t := m.tunnel
	session := m.session
	cancel := m.cancelConnect
	ksAuto, stAuto := m.ksAuto, m.stAuto
	m.tunnel = nil
	m.cancelConnect = nil
	m.ksAuto, m.stAuto = false, false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.mon.StopMonitoring()

	var errs []error
	if t != nil {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if stAuto {
		if res := m.deps.SplitTunnel.Disable(ctx); !res.Success {
			errs = append(errs, errors.New(res.Error))
		}
	}
	if ksAuto {
		if res := m.deps.KillSwitch.Disable(ctx); !res.Success {
			errs = append(errs, errors.New(res.Error))
		}
	}
	m.recordEnd(history.ReasonDisconnected)
	if session != nil {
		m.reportStatus(session.ServerID, common.RemoteStatusDisconnected)
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.session = nil
	m.mu.Unlock()

	common.LogInfo("Disconnected")
	m.emit(events.Disconnected, "Disconnected", nil)
	return errors.Join(errs...)
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state}
	if m.session != nil {
		s := *m.session
		st.Session = &s
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	st.Reconnect = m.mon.Snapshot()
	if m.deps.KillSwitch != nil {
		st.KillSwitch = m.deps.KillSwitch.IsEnabled()
	}
	if m.deps.SplitTunnel != nil {
		st.SplitTunnel = m.deps.SplitTunnel.IsEnabled()
	}
	return st
}

// Close disconnects and waits for background work.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.bg.Wait()
	return err
}

func (m *Manager) recordStart(s *Session) {
	if m.deps.History == nil {
		return
	}
	id, err := m.deps.History.Start(context.Background(), history.Entry{
		ID:             s.ID,
		ServerID:       s.ServerID,
		ServerName:     s.ServerName,
		ConnectionType: s.ConnectionType,
		Interface:      s.InterfaceName,
		StartedAt:      s.StartedAt,
	})
	if err != nil {
		common.LogWarn("Could not record session: %v", err)
		return
	}
	m.mu.Lock()
	m.historyID = id
	m.mu.Unlock()
}

func (m *Manager) recordEnd(reason string) {
	m.mu.Lock()
	id := m.historyID
	m.historyID = ""
	m.mu.Unlock()
	if m.deps.History == nil || id == "" {
		return
	}
	if err := m.deps.History.End(context.Background(), id, reason); err != nil {
		common.LogWarn("Could not close session record: %v", err)
	}
}

// reportStatus tells the backend about the connection in the background.
func (m *Manager) reportStatus(serverID, status string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), common.BackendTimeout)
		defer cancel()
		if err := m.deps.Backend.ReportStatus(ctx, serverID, status); err != nil {
			common.LogDebug("Status report (%s) failed: %v", status, err)
		}
	}()
}

func (m *Manager) emit(t events.Type, msg string, data any) {
	m.pub.Publish(events.Event{Type: t, Source: "vpn", Message: msg, Data: data})
}

func displayName(s selector.Server) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// monitorEvents forwards monitor events and ends the session when the
// monitor gives up.
type monitorEvents struct{ m *Manager }

func (e monitorEvents) Publish(ev events.Event) {
	e.m.pub.Publish(ev)
	if ev.Type == events.ReconnectMaxRetries {
		e.m.bg.Add(1)
		go func() {
			defer e.m.bg.Done()
			e.m.giveUp(fmt.Errorf("%w after %v attempts", common.ErrReconnectExhausted, ev.Data))
		}()
	}
}
