// Package monitor verifies that an established tunnel still carries
// traffic and drives bounded automatic reconnection when it does not.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
)

// ErrNotMonitoring is returned by TriggerReconnect when no session is watched.
var ErrNotMonitoring = errors.New("not monitoring")

// State represents the monitor lifecycle.
type State int

const (
	Idle State = iota
	Monitoring
	Reconnecting
	// Stopped is entered when reconnection gives up; StartMonitoring
	// must be called again to resume.
	Stopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Monitoring:
		return "Monitoring"
	case Reconnecting:
		return "Reconnecting"
	case Stopped:
		return "Stopped"
	default:
		return "Idle"
	}
}

// Config holds configuration for the monitor.
type Config struct {
	// Interval is how often to check connection health.
	Interval time.Duration
	// ReconnectDelay is the pause between failed reconnect attempts.
	ReconnectDelay time.Duration
	// MaxRetries bounds consecutive failed reconnect attempts.
	MaxRetries int
	// Targets are host:port pairs dialled to prove connectivity.
	Targets []string
	// DialTimeout bounds each probe dial.
	DialTimeout time.Duration
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:       common.MonitorInterval,
		ReconnectDelay: common.ReconnectDelay,
		MaxRetries:     common.MaxReconnectAttempts,
		Targets: []string{
			"1.1.1.1:53", // Cloudflare DNS
			"8.8.8.8:53", // Google DNS
		},
		DialTimeout: 3 * time.Second,
	}
}

// SessionInfo is the monitor's read-only view of the tunnel session.
type SessionInfo struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"serverId"`
	ConnectionType string    `json:"connectionType"`
	InterfaceName  string    `json:"interfaceName"`
	StartedAt      time.Time `json:"startedAt"`
}

// ReconnectFunc re-establishes the tunnel.
type ReconnectFunc func(ctx context.Context) error

// ReconnectState is a snapshot of the reconnect bookkeeping.
type ReconnectState struct {
	IsMonitoring      bool      `json:"isMonitoring"`
	IsReconnecting    bool      `json:"isReconnecting"`
	Attempts          int       `json:"attempts"`
	MaxRetries        int       `json:"maxRetries"`
	LastConnectedTime time.Time `json:"lastConnectedTime"`
}

// Checker proves that traffic flows.
type Checker interface {
	Check(ctx context.Context) (time.Duration, error)
}

// TCPChecker dials well-known public endpoints; any successful dial
// counts as connectivity.
type TCPChecker struct {
	Targets []string
	Timeout time.Duration
}

// Check returns the latency of the first successful dial.
func (c TCPChecker) Check(ctx context.Context) (time.Duration, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	for _, host := range c.Targets {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
	}
	return 0, common.ErrConnectionFailed
}

// Monitor watches one session at a time.
type Monitor struct {
	cfg       Config
	checker   Checker
	publisher events.Publisher

	mu            sync.Mutex
	state         State
	session       SessionInfo
	reconnect     ReconnectFunc
	attempts      int
	lastConnected time.Time
	latency       time.Duration

	// gen invalidates goroutines from a previous StartMonitoring.
	gen      uint64
	stopChan chan struct{}
	cancel   context.CancelFunc
}

// New creates a monitor. A nil checker dials cfg.Targets.
func New(cfg Config, checker Checker, publisher events.Publisher) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = def.Targets
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if checker == nil {
		checker = TCPChecker{Targets: cfg.Targets, Timeout: cfg.DialTimeout}
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Monitor{cfg: cfg, checker: checker, publisher: publisher}
}

// StartMonitoring begins periodic health checks for session. It is a
// no-op returning ErrAlreadyMonitoring while a session is watched.
func (m *Monitor) StartMonitoring(session SessionInfo, reconnect ReconnectFunc) error {
	m.mu.Lock()
	if m.state == Monitoring || m.state == Reconnecting {
		m.mu.Unlock()
		common.LogWarn("Monitor already running for session %s", m.session.ID)
		return common.ErrAlreadyMonitoring
	}

	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	m.state = Monitoring
	m.session = session
	m.reconnect = reconnect
	m.attempts = 0
	m.lastConnected = time.Now()
	m.stopChan = stop
	m.cancel = cancel
	m.mu.Unlock()

	common.LogInfo("Monitoring session %s on %s (interval: %v, max retries: %d)",
		session.ID, session.InterfaceName, m.cfg.Interval, m.cfg.MaxRetries)

	go m.runLoop(ctx, gen, stop)
	return nil
}

// StopMonitoring stops checks and any reconnect in flight. It always
// succeeds and may be called repeatedly.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	wasActive := m.state != Idle
	m.haltLocked()
	m.state = Idle
	m.attempts = 0
	m.mu.Unlock()

	if wasActive {
		common.LogInfo("Monitor stopped")
	}
}

// haltLocked stops the ticker goroutine and cancels reconnects.
func (m *Monitor) haltLocked() {
	m.gen++
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// TriggerReconnect starts reconnection immediately, for example when the
// tunnel process exits on its own.
func (m *Monitor) TriggerReconnect(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginReconnectLocked(m.gen, reason)
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsMonitoring reports whether a session is being watched.
func (m *Monitor) IsMonitoring() bool {
	s := m.State()
	return s == Monitoring || s == Reconnecting
}

// Session returns the watched session.
func (m *Monitor) Session() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Latency returns the duration of the last successful check.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Snapshot returns the reconnect bookkeeping.
func (m *Monitor) Snapshot() ReconnectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReconnectState{
		IsMonitoring:      m.state == Monitoring || m.state == Reconnecting,
		IsReconnecting:    m.state == Reconnecting,
		Attempts:          m.attempts,
		MaxRetries:        m.cfg.MaxRetries,
		LastConnectedTime: m.lastConnected,
	}
}

// runLoop is the main health checking loop.
func (m *Monitor) runLoop(ctx context.Context, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.check(ctx, gen)
		}
	}
}

func (m *Monitor) check(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Monitoring {
		// Reconnecting ticks are skipped.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Interval+m.cfg.DialTimeout)
	latency, err := m.checker.Check(cctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Monitoring {
		return
	}

	if err == nil {
		m.attempts = 0
		m.lastConnected = time.Now()
		m.latency = latency
		return
	}

	common.LogWarn("Health check failed for session %s: %v", m.session.ID, err)
	m.publisher.Publish(events.Event{
		Type:    events.ConnectionLost,
		Source:  "monitor",
		Message: err.Error(),
		Data:    m.session,
	})
	_ = m.beginReconnectLocked(gen, "health check failed")
}

func (m *Monitor) beginReconnectLocked(gen uint64, reason string) error {
	switch m.state {
	case Reconnecting:
		common.LogDebug("Reconnect already in progress, ignoring: %s", reason)
		return common.ErrAlreadyReconnecting
	case Monitoring:
	default:
		return ErrNotMonitoring
	}
	if m.reconnect == nil {
		return fmt.Errorf("no reconnect function")
	}

	m.state = Reconnecting
	ctx, cancel := context.WithCancel(context.Background())
	prev := m.cancel
	m.cancel = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}

	common.LogInfo("Reconnecting session %s: %s", m.session.ID, reason)
	go m.reconnectLoop(ctx, gen, m.reconnect)
	return nil
}

func (m *Monitor) reconnectLoop(ctx context.Context, gen uint64, reconnect ReconnectFunc) {
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		attempt := m.attempts + 1
		m.mu.Unlock()

		m.publisher.Publish(events.Event{
			Type:    events.ReconnectAttempt,
			Source:  "monitor",
			Message: fmt.Sprintf("attempt %d/%d", attempt, m.cfg.MaxRetries),
			Data:    attempt,
		})

		err := reconnect(ctx)
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.attempts = 0
			m.lastConnected = time.Now()
			m.state = Monitoring
			m.mu.Unlock()

			common.LogInfo("Reconnect successful")
			m.publisher.Publish(events.Event{Type: events.Reconnected, Source: "monitor", Message: "reconnected"})
			return
		}

		m.attempts++
		common.LogError("Reconnect attempt %d/%d failed: %v", m.attempts, m.cfg.MaxRetries, err)
		if m.attempts >= m.cfg.MaxRetries {
			exhausted := fmt.Errorf("%w after %d attempts: %v", common.ErrReconnectExhausted, m.attempts, err)
			attempts := m.attempts
			m.haltLocked()
			m.state = Stopped
			m.mu.Unlock()

			common.LogError("Giving up: %v", exhausted)
			m.publisher.Publish(events.Event{
				Type:    events.ReconnectMaxRetries,
				Source:  "monitor",
				Message: exhausted.Error(),
				Data:    attempts,
			})
			return
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}
