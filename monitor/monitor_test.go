package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
)

type fakeChecker struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeChecker) Check(context.Context) (time.Duration, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return 0, common.ErrConnectionFailed
	}
	return time.Millisecond, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Type
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Interval:       5 * time.Millisecond,
		ReconnectDelay: time.Millisecond,
		MaxRetries:     3,
		Targets:        []string{"127.0.0.1:1"},
		DialTimeout:    10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, "Idle"},
		{Monitoring, "Monitoring"},
		{Reconnecting, "Reconnecting"},
		{Stopped, "Stopped"},
		{State(99), "Idle"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", cfg.Interval)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.ReconnectDelay)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if len(cfg.Targets) == 0 {
		t.Error("Targets should not be empty")
	}
}

func TestStartStop(t *testing.T) {
	checker := &fakeChecker{}
	m := New(testConfig(), checker, nil)

	if m.IsMonitoring() {
		t.Error("new monitor should be idle")
	}
	if err := m.StartMonitoring(SessionInfo{ID: "s1"}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if err := m.StartMonitoring(SessionInfo{ID: "s2"}, nil); !errors.Is(err, common.ErrAlreadyMonitoring) {
		t.Errorf("second StartMonitoring() error = %v, want ErrAlreadyMonitoring", err)
	}
	if m.Session().ID != "s1" {
		t.Errorf("session replaced by rejected start: %v", m.Session().ID)
	}

	waitFor(t, "health checks", func() bool { return checker.calls.Load() >= 2 })

	m.StopMonitoring()
	m.StopMonitoring()
	if m.State() != Idle {
		t.Errorf("State() = %v after stop", m.State())
	}

	calls := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if checker.calls.Load() > calls+1 {
		t.Errorf("checks continued after StopMonitoring: %d -> %d", calls, checker.calls.Load())
	}
}

func TestSuccessfulCheckResetsAttempts(t *testing.T) {
	checker := &fakeChecker{}
	m := New(testConfig(), checker, nil)
	m.StartMonitoring(SessionInfo{ID: "s"}, func(context.Context) error { return nil })
	defer m.StopMonitoring()

	m.mu.Lock()
	m.attempts = 2
	m.mu.Unlock()

	waitFor(t, "attempt reset", func() bool { return m.Snapshot().Attempts == 0 })
	if m.Snapshot().LastConnectedTime.IsZero() {
		t.Error("LastConnectedTime should be recorded")
	}
}

func TestMaxRetriesStopsMonitoring(t *testing.T) {
	checker := &fakeChecker{}
	checker.fail.Store(true)
	rec := &recorder{}
	m := New(testConfig(), checker, rec)

	var reconnects atomic.Int32
	m.StartMonitoring(SessionInfo{ID: "s"}, func(context.Context) error {
		reconnects.Add(1)
		return errors.New("tunnel refused")
	})

	waitFor(t, "monitor to stop", func() bool { return m.State() == Stopped })

	snap := m.Snapshot()
	if snap.IsMonitoring || snap.IsReconnecting {
		t.Errorf("snapshot = %+v, want not monitoring", snap)
	}
	if snap.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", snap.Attempts)
	}
	if reconnects.Load() != 3 {
		t.Errorf("reconnect called %d times, want 3", reconnects.Load())
	}
	if rec.count(events.ReconnectMaxRetries) != 1 {
		t.Errorf("max retries events = %d, want 1", rec.count(events.ReconnectMaxRetries))
	}
	if rec.count(events.ConnectionLost) != 1 {
		t.Errorf("connection lost events = %d, want 1", rec.count(events.ConnectionLost))
	}

	calls := checker.calls.Load()
	time.Sleep(40 * time.Millisecond)
	if checker.calls.Load() != calls {
		t.Errorf("timer still ticking after Stopped: %d -> %d", calls, checker.calls.Load())
	}

	// A stopped monitor can be restarted.
	checker.fail.Store(false)
	if err := m.StartMonitoring(SessionInfo{ID: "s"}, func(context.Context) error { return nil }); err != nil {
		t.Errorf("restart after Stopped error = %v", err)
	}
	m.StopMonitoring()
}

func TestReconnectSuccessResumes(t *testing.T) {
	checker := &fakeChecker{}
	checker.fail.Store(true)
	rec := &recorder{}
	m := New(testConfig(), checker, rec)
	defer m.StopMonitoring()

	var reconnects atomic.Int32
	m.StartMonitoring(SessionInfo{ID: "s"}, func(context.Context) error {
		if reconnects.Add(1) == 2 {
			checker.fail.Store(false)
			return nil
		}
		return errors.New("not yet")
	})

	waitFor(t, "reconnect success", func() bool { return rec.count(events.Reconnected) == 1 })
	if m.State() != Monitoring {
		t.Errorf("State() = %v, want Monitoring", m.State())
	}
	if m.Snapshot().Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", m.Snapshot().Attempts)
	}
}

func TestTriggerReconnect(t *testing.T) {
	m := New(testConfig(), &fakeChecker{}, nil)

	if err := m.TriggerReconnect("exit"); !errors.Is(err, ErrNotMonitoring) {
		t.Errorf("TriggerReconnect() while idle = %v", err)
	}

	release := make(chan struct{})
	m.StartMonitoring(SessionInfo{ID: "s"}, func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer m.StopMonitoring()

	if err := m.TriggerReconnect("process exited"); err != nil {
		t.Fatalf("TriggerReconnect() error = %v", err)
	}
	if err := m.TriggerReconnect("again"); !errors.Is(err, common.ErrAlreadyReconnecting) {
		t.Errorf("overlapping TriggerReconnect() = %v, want ErrAlreadyReconnecting", err)
	}
	if !m.Snapshot().IsReconnecting {
		t.Error("IsReconnecting should be true")
	}

	close(release)
	waitFor(t, "resume", func() bool { return m.State() == Monitoring })
}

func TestStopCancelsReconnect(t *testing.T) {
	m := New(testConfig(), &fakeChecker{}, nil)

	cancelled := make(chan struct{})
	m.StartMonitoring(SessionInfo{ID: "s"}, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	m.TriggerReconnect("test")
	m.StopMonitoring()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect was not cancelled by StopMonitoring")
	}
	if m.State() != Idle || m.Snapshot().Attempts != 0 {
		t.Errorf("state after stop = %v %+v", m.State(), m.Snapshot())
	}
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ok := TCPChecker{Targets: []string{"127.0.0.1:1", ln.Addr().String()}, Timeout: time.Second}
	if _, err := ok.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v", err)
	}

	bad := TCPChecker{Targets: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond}
	if _, err := bad.Check(context.Background()); !errors.Is(err, common.ErrConnectionFailed) {
		t.Errorf("Check() error = %v, want ErrConnectionFailed", err)
	}
}
