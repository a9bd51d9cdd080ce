// Package notify shows desktop notifications for connection events.
package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
)

// Type represents the kind of notification.
type Type int

const (
	Info Type = iota
	Success
	Warning
	Error
)

// Notification is a single desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    Type
	Icon    string
}

// Sender delivers notifications.
type Sender interface {
	Send(n Notification) error
}

const (
	dbusDest      = "org.freedesktop.Notifications"
	dbusPath      = "/org/freedesktop/Notifications"
	dbusNotify    = dbusDest + ".Notify"
	expireDefault = int32(-1)
)

// DBus sends notifications through the freedesktop notification service.
type DBus struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	appName string
}

// NewDBus connects to the session bus.
func NewDBus(appName string) (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return &DBus{
		conn:    conn,
		obj:     conn.Object(dbusDest, dbusPath),
		appName: appName,
	}, nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

// Send shows n.
func (d *DBus) Send(n Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency(n.Type)),
	}
	call := d.obj.Call(dbusNotify, 0,
		d.appName, uint32(0), iconFor(n), n.Title, n.Message,
		[]string{}, hints, expireDefault)
	return call.Err
}

// Notify sends a notification with the given title and message.
func (d *DBus) Notify(title, message string) error {
	return d.Send(Notification{Title: title, Message: message})
}

// NotifyWithIcon sends a notification with a custom icon.
func (d *DBus) NotifyWithIcon(title, message, icon string) error {
	return d.Send(Notification{Title: title, Message: message, Icon: icon})
}

var _ common.Notifier = (*DBus)(nil)

// urgency maps a type to the freedesktop urgency byte (0 low, 1 normal, 2 critical).
func urgency(t Type) byte {
	switch t {
	case Error:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

func iconFor(n Notification) string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case Warning:
		return "dialog-warning"
	case Error:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// Subscriber is the part of events.Bus the watcher needs.
type Subscriber interface {
	SubscribeAll(h events.Handler) func()
}

// Watch turns lifecycle events into notifications until the returned
// function is called.
func Watch(bus Subscriber, sender Sender) func() {
	return bus.SubscribeAll(func(e events.Event) {
		n, ok := FromEvent(e)
		if !ok {
			return
		}
		if err := sender.Send(n); err != nil {
			common.LogDebug("Error showing notification: %v", err)
		}
	})
}

// FromEvent returns the notification for e, if it deserves one.
func FromEvent(e events.Event) (Notification, bool) {
	switch e.Type {
	case events.Connected:
		return Notification{Title: "VPN Connected", Message: e.Message, Type: Success, Icon: "network-vpn"}, true
	case events.Disconnected:
		return Notification{Title: "VPN Disconnected", Message: e.Message, Type: Info, Icon: "network-vpn-disconnected"}, true
	case events.ConnectionLost:
		return Notification{Title: "Connection Lost", Message: "Trying to reconnect", Type: Warning, Icon: "network-vpn-acquiring"}, true
	case events.Reconnected:
		return Notification{Title: "VPN Reconnected", Message: e.Message, Type: Success, Icon: "network-vpn"}, true
	case events.ReconnectMaxRetries:
		return Notification{Title: "Reconnect Failed", Message: e.Message, Type: Error, Icon: "network-vpn-error"}, true
	case events.Error:
		return Notification{Title: "Connection Error", Message: e.Message, Type: Error, Icon: "network-vpn-error"}, true
	}
	return Notification{}, false
}
