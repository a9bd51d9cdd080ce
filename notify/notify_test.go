package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yllada/vpn-core/events"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (c *captureSender) Send(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func (c *captureSender) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, n := range c.sent {
		out = append(out, n.Title)
	}
	return out
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		typ    events.Type
		want   bool
		title  string
		ntType Type
	}{
		{events.Connected, true, "VPN Connected", Success},
		{events.Disconnected, true, "VPN Disconnected", Info},
		{events.ConnectionLost, true, "Connection Lost", Warning},
		{events.Reconnected, true, "VPN Reconnected", Success},
		{events.ReconnectMaxRetries, true, "Reconnect Failed", Error},
		{events.Error, true, "Connection Error", Error},
		{events.Log, false, "", Info},
		{events.ServersTested, false, "", Info},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			n, ok := FromEvent(events.Event{Type: tt.typ, Message: "m"})
			if ok != tt.want {
				t.Fatalf("FromEvent(%s) ok = %v, want %v", tt.typ, ok, tt.want)
			}
			if ok && (n.Title != tt.title || n.Type != tt.ntType) {
				t.Errorf("FromEvent(%s) = %+v", tt.typ, n)
			}
		})
	}
}

func TestIconAndUrgency(t *testing.T) {
	if got := iconFor(Notification{Type: Error}); got != "dialog-error" {
		t.Errorf("iconFor(Error) = %q", got)
	}
	if got := iconFor(Notification{Type: Error, Icon: "custom"}); got != "custom" {
		t.Errorf("explicit icon ignored: %q", got)
	}
	if urgency(Error) != 2 || urgency(Warning) != 1 || urgency(Info) != 0 {
		t.Error("unexpected urgency mapping")
	}
}

func TestWatch(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sender := &captureSender{err: errors.New("no notification daemon")}

	stop := Watch(bus, sender)
	bus.Emit(events.Log, "vpn", "noise", nil)
	bus.Emit(events.Connected, "vpn", "Connected to Frankfurt", nil)
	bus.Emit(events.Disconnected, "vpn", "Disconnected", nil)

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.titles()) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	got := sender.titles()
	if len(got) != 2 || got[0] != "VPN Connected" || got[1] != "VPN Disconnected" {
		t.Fatalf("sent = %v", got)
	}

	stop()
	bus.Emit(events.Connected, "vpn", "again", nil)
	bus.Close()
	if n := len(sender.titles()); n != 2 {
		t.Errorf("notifications after unsubscribe: %d", n)
	}
}
