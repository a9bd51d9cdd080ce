package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/vpn"
)

// APIVersion prefixes every route.
const APIVersion = "v1"

// ErrDaemonUnavailable is returned by the client when nothing listens on
// the control socket.
var ErrDaemonUnavailable = errors.New("daemon is not running")

// Controller is the set of operations served over the socket.
// *vpn.Service implements it.
type Controller interface {
	Servers(ctx context.Context) common.Result
	SelectServer(ctx context.Context, opts selector.Options) common.Result
	TestServers(ctx context.Context) common.Result
	Connect(ctx context.Context, req vpn.ConnectRequest) common.Result
	Disconnect(ctx context.Context) common.Result
	Status() common.Result

	EnableKillSwitch(ctx context.Context) common.Result
	DisableKillSwitch(ctx context.Context) common.Result
	KillSwitchStatus() common.Result

	EnableSplitTunnel(ctx context.Context) common.Result
	DisableSplitTunnel(ctx context.Context) common.Result
	AddBypassDomain(ctx context.Context, domain string) common.Result
	RemoveBypassDomain(domain string) common.Result
	AddVpnOnlyApp(path string) common.Result
	RemoveVpnOnlyApp(path string) common.Result
	SplitTunnelConfig() common.Result

	History(ctx context.Context, limit int) common.Result
}

var _ Controller = (*vpn.Service)(nil)

// EventSource delivers every bus event. *events.Bus implements it.
type EventSource interface {
	SubscribeAll(h events.Handler) func()
}

// SelectRequest is the body of POST /v1/select-server.
type SelectRequest struct {
	Priority          string `json:"priority,omitempty"`
	PreferredLocation string `json:"preferredLocation,omitempty"`
	ForceRefresh      bool   `json:"forceRefresh,omitempty"`
}

// DomainRequest is the body of the bypass domain routes.
type DomainRequest struct {
	Domain string `json:"domain"`
}

// AppRequest is the body of the VPN-only application routes.
type AppRequest struct {
	Path string `json:"path"`
}

// Response is a Result as seen by a client; Data is decoded on demand.
type Response struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Err returns the failure carried by the response, if any.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("operation failed")
	}
	return errors.New(r.Error)
}

// Decode unmarshals the payload into v. A missing payload leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
