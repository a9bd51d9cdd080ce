package vpn

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/vpn-core/common"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func shellSpec(script string, out *lineCollector) LaunchSpec {
	spec := LaunchSpec{
		Binary:        "/bin/sh",
		Args:          []string{"-c", script},
		ConfigPath:    "test.conf",
		Interface:     "tun9",
		SuccessMarker: common.DefaultSuccessMarker,
		Timeout:       5 * time.Second,
		Grace:         time.Second,
	}
	if out != nil {
		spec.OnOutput = out.add
	}
	return spec
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{fn: func(s string) { got = append(got, s) }}
	w.Write([]byte("first\nsec"))
	w.Write([]byte("ond\r\nthird"))
	w.Flush()

	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestLaunchSpecArgv(t *testing.T) {
	spec := LaunchSpec{Binary: "openvpn", Args: []string{"--verb", "3"}, ConfigPath: "/w/a.conf", Interface: "tun0"}
	want := []string{"openvpn", "--verb", "3", "--config", "/w/a.conf", "--dev", "tun0"}
	if got := spec.argv(); !reflect.DeepEqual(got, want) {
		t.Errorf("argv() = %q, want %q", got, want)
	}
}

func TestDirectLauncher_Success(t *testing.T) {
	requireShell(t)
	out := &lineCollector{}
	spec := shellSpec("echo starting; echo 'Initialization Sequence Completed'; exec sleep 30", out)

	tunnel, err := DirectLauncher{}.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if tunnel.PID() == 0 {
		t.Error("PID() should be set")
	}
	if lines := out.all(); len(lines) == 0 || lines[0] != "starting" {
		t.Errorf("output = %q", lines)
	}

	if err := tunnel.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	select {
	case <-tunnel.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel did not exit")
	}
	if err := tunnel.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestDirectLauncher_Failures(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		wantErr error
		wantMsg string
	}{
		{"exits before ready", "echo 'Options error: bad config'; exit 1", 5 * time.Second, common.ErrTunnelStartFailed, "bad config"},
		{"never ready", "exec sleep 30", 100 * time.Millisecond, common.ErrTunnelUnconfirmed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := shellSpec(tt.script, nil)
			spec.Timeout = tt.timeout
			_, err := DirectLauncher{}.Launch(context.Background(), spec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Launch() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should include tunnel output %q", err, tt.wantMsg)
			}
		})
	}
}

func TestDirectLauncher_MissingBinary(t *testing.T) {
	spec := LaunchSpec{Binary: filepath.Join(t.TempDir(), "no-such-tunnel"), ConfigPath: "x"}
	if _, err := (DirectLauncher{}).Launch(context.Background(), spec); !errors.Is(err, common.ErrTunnelStartFailed) {
		t.Errorf("Launch() error = %v", err)
	}
}

func TestDirectLauncher_Cancelled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := DirectLauncher{}.Launch(ctx, shellSpec("exec sleep 30", nil))
	if !errors.Is(err, common.ErrCancelled) {
		t.Errorf("Launch() error = %v, want ErrCancelled", err)
	}
}

func TestProcessStop_KillsAfterGrace(t *testing.T) {
	requireShell(t)
	spec := shellSpec("trap '' TERM; echo 'Initialization Sequence Completed'; while :; do sleep 0.05; done", nil)
	spec.Grace = 300 * time.Millisecond

	tunnel, err := DirectLauncher{}.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	start := time.Now()
	if err := tunnel.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if time.Since(start) < spec.Grace {
		t.Error("Stop() returned before the grace period although SIGTERM is ignored")
	}
}

func TestHelperArgs(t *testing.T) {
	spec := LaunchSpec{
		Binary: "openvpn", Args: []string{"--verb", "3"}, ConfigPath: "/w/a.conf", Interface: "tun0",
		SuccessMarker: "ready", Timeout: 30 * time.Second, Grace: 5 * time.Second,
	}
	want := []string{
		"--status-file", "/s.json", "--binary", "openvpn", "--config", "/w/a.conf", "--dev", "tun0",
		"--marker", "ready", "--timeout", "30s", "--grace", "5s", "--", "--verb", "3",
	}
	if got := HelperArgs(spec, "/s.json"); !reflect.DeepEqual(got, want) {
		t.Errorf("HelperArgs() = %q\nwant %q", got, want)
	}
}

// writeHelperScript creates a stand-in for "vpn-core tunnel-helper". It is
// run as "/bin/sh script tunnel-helper --status-file PATH ...", so the
// status file is $3.
func writeHelperScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestElevatedLauncher(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name    string
		script  string
		wantErr error
		wantMsg string
	}{
		{"confirmed", `printf '{"state":"connected","pid":4242}' > "$3"; exec cat`, nil, ""},
		{"authorization dismissed", "exit 126", common.ErrElevationFailed, ""},
		{"not authorized", "exit 127", common.ErrElevationFailed, ""},
		{"helper reports failure", `printf '{"state":"failed","error":"bad config"}' > "$3"; exec cat`, common.ErrTunnelStartFailed, "bad config"},
		{"helper dies", "echo crashed; exit 1", common.ErrTunnelStartFailed, "crashed"},
		{"never confirmed", "exec cat", common.ErrTunnelUnconfirmed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statusDir := t.TempDir()
			l := ElevatedLauncher{
				Command:      "/bin/sh",
				Executable:   writeHelperScript(t, tt.script),
				StatusDir:    statusDir,
				PollInterval: 10 * time.Millisecond,
			}
			spec := shellSpec("", nil)
			spec.Timeout = 500 * time.Millisecond

			tunnel, err := l.Launch(context.Background(), spec)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Launch() error = %v, want %v", err, tt.wantErr)
				}
				if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
					t.Errorf("error %q should mention %q", err, tt.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Launch() error = %v", err)
			}
			if tunnel.PID() != 4242 {
				t.Errorf("PID() = %d, want the helper-reported 4242", tunnel.PID())
			}
			if err := tunnel.Stop(); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
			entries, _ := os.ReadDir(statusDir)
			if len(entries) != 0 {
				t.Errorf("status files left behind: %d", len(entries))
			}
		})
	}
}

func TestRunHelper(t *testing.T) {
	requireShell(t)
	statusFile := filepath.Join(t.TempDir(), "status.json")
	stdinR, stdinW := io.Pipe()
	out := &syncBuffer{}

	spec := shellSpec("echo 'Initialization Sequence Completed'; exec sleep 30", nil)
	done := make(chan error, 1)
	go func() {
		done <- RunHelper(context.Background(), HelperOptions{
			StatusFile: statusFile,
			Spec:       spec,
			Stdin:      stdinR,
			Stdout:     out,
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := ReadHelperStatus(statusFile)
		if err == nil && st.State == HelperConnected {
			if st.PID == 0 {
				t.Error("connected status should carry the tunnel PID")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("helper never reported connected (last %+v, %v)", st, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stdinW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunHelper() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not stop after its control pipe closed")
	}

	st, err := ReadHelperStatus(statusFile)
	if err != nil || st.State != HelperExited {
		t.Errorf("final status = %+v, %v", st, err)
	}
	if !strings.Contains(out.String(), "Initialization Sequence Completed") {
		t.Errorf("tunnel output not forwarded: %q", out.String())
	}
}

func TestRunHelper_LaunchFailure(t *testing.T) {
	requireShell(t)
	statusFile := filepath.Join(t.TempDir(), "status.json")
	err := RunHelper(context.Background(), HelperOptions{
		StatusFile: statusFile,
		Spec:       shellSpec("echo nope; exit 2", nil),
		Stdin:      strings.NewReader(""),
	})
	if !errors.Is(err, common.ErrTunnelStartFailed) {
		t.Fatalf("RunHelper() error = %v", err)
	}
	st, _ := ReadHelperStatus(statusFile)
	if st.State != HelperFailed || st.Error == "" {
		t.Errorf("status = %+v, want failed with error", st)
	}
}

func TestCheckBinary(t *testing.T) {
	requireShell(t)
	if err := checkBinary("/bin/sh"); err != nil {
		t.Errorf("checkBinary(/bin/sh) error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "tunnel")
	os.WriteFile(path, []byte("#!/bin/sh\n"), 0700)
	if err := os.Chmod(path, 0777); err != nil {
		t.Fatal(err)
	}
	if err := checkBinary(path); !errors.Is(err, common.ErrPermissionDenied) {
		t.Errorf("checkBinary(world-writable) error = %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriteHelperStatus_ReplacesLinksWithoutFollowing(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim")
	if err := os.WriteFile(victim, []byte("keep"), 0600); err != nil {
		t.Fatal(err)
	}
	statusFile := filepath.Join(dir, "status.json")
	for _, name := range []string{statusFile, statusFile + ".tmp"} {
		if err := os.Symlink(victim, name); err != nil {
			t.Fatal(err)
		}
	}

	if err := writeHelperStatus(statusFile, HelperStatus{State: HelperStarting}); err != nil {
		t.Fatalf("writeHelperStatus() error = %v", err)
	}

	if data, _ := os.ReadFile(victim); string(data) != "keep" {
		t.Errorf("link target was overwritten: %q", data)
	}
	info, err := os.Lstat(statusFile)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm() != 0644 {
		t.Errorf("status file mode = %v, want regular 0644", info.Mode())
	}
	if st, err := ReadHelperStatus(statusFile); err != nil || st.State != HelperStarting {
		t.Errorf("status = %+v, %v", st, err)
	}

	matches, _ := filepath.Glob(statusFile + ".*.tmp")
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}
