package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/vpn"
)

func TestCommandTree(t *testing.T) {
	root := NewRootCommand(BuildInfo{Version: "test"})

	tests := []struct {
		path []string
		want []string
	}{
		{nil, []string{"connect", "daemon", "disconnect", "history", "killswitch", "login", "logout", "select", "servers", "split", "status", "test", "version", "watch", vpn.HelperCommand}},
		{[]string{"killswitch"}, []string{"disable", "enable", "status"}},
		{[]string{"split"}, []string{"add-app", "add-domain", "disable", "enable", "remove-app", "remove-domain", "show"}},
	}
	for _, tt := range tests {
		cmd, _, err := root.Find(tt.path)
		if err != nil {
			t.Fatalf("Find(%v) error = %v", tt.path, err)
		}
		have := map[string]bool{}
		for _, c := range cmd.Commands() {
			have[c.Name()] = true
		}
		for _, name := range tt.want {
			if !have[name] {
				t.Errorf("%v: missing subcommand %q", tt.path, name)
			}
		}
	}

	helper, _, _ := root.Find([]string{vpn.HelperCommand})
	if !helper.Hidden {
		t.Errorf("%s should be hidden", vpn.HelperCommand)
	}
}

func TestHelperFlagsMatchHelperArgs(t *testing.T) {
	spec := vpn.LaunchSpec{
		Binary:        "/usr/sbin/openvpn",
		Args:          []string{"--verb", "3"},
		ConfigPath:    "/home/u/.config/vpn-core/configs/s1-udp.conf",
		Interface:     "tun7",
		SuccessMarker: "Ready",
		Timeout:       45 * time.Second,
		Grace:         2 * time.Second,
	}
	cmd := newHelperCommand()
	if err := cmd.ParseFlags(vpn.HelperArgs(spec, "/run/status.json")); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	flags := cmd.Flags()
	strs := map[string]string{
		"status-file": "/run/status.json",
		"binary":      spec.Binary,
		"config":      spec.ConfigPath,
		"dev":         spec.Interface,
		"marker":      spec.SuccessMarker,
	}
	for name, want := range strs {
		if got, _ := flags.GetString(name); got != want {
			t.Errorf("--%s = %q, want %q", name, got, want)
		}
	}
	if got, _ := flags.GetDuration("timeout"); got != spec.Timeout {
		t.Errorf("--timeout = %v, want %v", got, spec.Timeout)
	}
	if got, _ := flags.GetDuration("grace"); got != spec.Grace {
		t.Errorf("--grace = %v, want %v", got, spec.Grace)
	}
	if got := flags.Args(); !reflect.DeepEqual(got, spec.Args) {
		t.Errorf("args = %v, want %v", got, spec.Args)
	}
}

func TestReadToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"line", "secret-token\nignored\n", "secret-token", false},
		{"no newline", "  secret  ", "secret", false},
		{"empty", "\n", "", true},
		{"eof", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readToken(strings.NewReader(tt.input), &bytes.Buffer{}, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

// stubController serves the few operations the command tests call.
type stubController struct {
	api.Controller

	mu      sync.Mutex
	connect []vpn.ConnectRequest
	domains []string
}

func (s *stubController) Status() common.Result {
	return common.OK("connected").WithData(vpn.Status{
		State: vpn.StateConnected,
		Session: &vpn.Session{
			ServerID:       "de-1",
			ServerName:     "Frankfurt",
			ConnectionType: "udp",
			InterfaceName:  "tun0",
			StartedAt:      time.Now().Add(-90 * time.Second),
		},
		KillSwitch: true,
	})
}

func (s *stubController) Connect(_ context.Context, req vpn.ConnectRequest) common.Result {
	s.mu.Lock()
	s.connect = append(s.connect, req)
	s.mu.Unlock()
	if req.ServerID == "bad" {
		return common.Fail(errors.New("server bad not found"))
	}
	return common.OK("Connected to Frankfurt").WithData(vpn.ConnectResult{
		Session: vpn.Session{ServerID: req.ServerID, InterfaceName: "tun0"},
	}).WithWarnings("kill switch: iptables not found")
}

func (s *stubController) Disconnect(context.Context) common.Result {
	return common.OK("Disconnected")
}

func (s *stubController) AddBypassDomain(_ context.Context, domain string) common.Result {
	s.mu.Lock()
	s.domains = append(s.domains, domain)
	s.mu.Unlock()
	return common.OK("Added " + domain)
}

// startDaemon serves ctrl on a fresh socket and returns the flags that
// point the CLI at it.
func startDaemon(t *testing.T, ctrl api.Controller) []string {
	t.Helper()
	// Socket paths are length limited; keep them short.
	dir, err := os.MkdirTemp("", "vpncli")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "d.sock")
	srv := api.NewServer(ctrl, nil, api.ServerOptions{SocketPath: socket})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return []string{"--config", filepath.Join(dir, "config.yaml"), "--socket", socket}
}

func run(t *testing.T, flags []string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(BuildInfo{Version: "1.2.3"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(append([]string(nil), flags...), args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsAgainstDaemon(t *testing.T) {
	ctrl := &stubController{}
	flags := startDaemon(t, ctrl)

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{"status", []string{"status"}, []string{"connected", "Frankfurt (de-1)", "tun0", "Uptime:"}, ""},
		{"connect", []string{"connect", "de-1", "--priority", "ping"}, []string{"Connected to Frankfurt", "iptables not found", "Interface: tun0"}, ""},
		{"connect failure", []string{"connect", "bad"}, nil, "server bad not found"},
		{"bad priority", []string{"connect", "--priority", "fastest"}, nil, "fastest"},
		{"disconnect", []string{"disconnect"}, []string{"Disconnected"}, ""},
		{"add domain", []string{"split", "add-domain", "example.com"}, []string{"Added example.com"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, flags, tt.args...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v\n%s", err, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.connect) != 2 {
		t.Fatalf("connect calls = %d, want 2", len(ctrl.connect))
	}
	if got := ctrl.connect[0]; got.ServerID != "de-1" || got.Priority != "ping" {
		t.Errorf("connect request = %+v", got)
	}
	if !reflect.DeepEqual(ctrl.domains, []string{"example.com"}) {
		t.Errorf("domains = %v", ctrl.domains)
	}
}

func TestStatusJSON(t *testing.T) {
	flags := startDaemon(t, &stubController{})
	out, err := run(t, flags, "--json", "status")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	var st struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if st.State != "connected" {
		t.Errorf("state = %q, want connected", st.State)
	}
}

func TestDaemonNotRunning(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, []string{"--config", filepath.Join(dir, "config.yaml"), "--socket", filepath.Join(dir, "missing.sock")}, "status")
	if !errors.Is(err, api.ErrDaemonUnavailable) {
		t.Errorf("error = %v, want ErrDaemonUnavailable", err)
	}
}

func TestVersion(t *testing.T) {
	root := NewRootCommand(BuildInfo{Version: "1.2.3", BuildTime: "2026-01-02", Commit: "abc123"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("error = %v", err)
	}
	for _, want := range []string{"vpn-core v1.2.3", "2026-01-02", "abc123"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
