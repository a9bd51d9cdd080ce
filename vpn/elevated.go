package vpn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yllada/vpn-core/common"
)

// HelperCommand is the hidden subcommand that runs the tunnel with
// elevated privileges.
const HelperCommand = "tunnel-helper"

// Helper states written to the status file.
const (
	HelperStarting  = "starting"
	HelperConnected = "connected"
	HelperFailed    = "failed"
	HelperExited    = "exited"
)

// pkexec exit statuses for a dismissed or refused authorization.
const (
	exitAuthDismissed = 126
	exitNotAuthorized = 127
)

// HelperStatus is the confirmation channel from the elevated helper.
type HelperStatus struct {
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ReadHelperStatus reads the status file at path.
func ReadHelperStatus(path string) (HelperStatus, error) {
	var st HelperStatus
	err := common.ReadJSON(path, &st)
	return st, err
}

// writeHelperStatus replaces the status file. It is world-readable because
// the helper runs as root and the unprivileged client polls it. The
// directory belongs to that client, so the temporary file gets a fresh
// name created exclusively and is renamed over path, which never follows
// a link planted at either name.
func writeHelperStatus(path string, st HelperStatus) error {
	st.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// HelperArgs builds the helper command line for spec.
func HelperArgs(spec LaunchSpec, statusFile string) []string {
	args := []string{
		"--status-file", statusFile,
		"--binary", spec.Binary,
		"--config", spec.ConfigPath,
		"--dev", spec.Interface,
		"--marker", spec.SuccessMarker,
		"--timeout", spec.Timeout.String(),
		"--grace", spec.Grace.String(),
	}
	if len(spec.Args) > 0 {
		args = append(args, "--")
		args = append(args, spec.Args...)
	}
	return args
}

// ElevatedLauncher starts the tunnel through the privileged helper and
// waits for the helper to confirm, via its status file, that the tunnel
// is up. Closing the helper's stdin asks it to stop the tunnel.
type ElevatedLauncher struct {
	// Command is the elevation program, pkexec by default.
	Command string
	// Executable is the binary providing the helper subcommand.
	// Empty means the running executable.
	Executable string
	// StatusDir holds helper status files.
	StatusDir string
	// PollInterval is how often the status file is read.
	PollInterval time.Duration
}

type elevatedTunnel struct {
	*process
	pid int
}

func (t *elevatedTunnel) PID() int { return t.pid }

// Launch runs the helper and blocks until it confirms success.
func (l ElevatedLauncher) Launch(ctx context.Context, spec LaunchSpec) (Tunnel, error) {
	spec = spec.withDefaults()
	if spec.SuccessMarker == "" {
		spec.SuccessMarker = common.DefaultSuccessMarker
	}
	command := l.Command
	if command == "" {
		command = common.DefaultElevationCommand
	}
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("%w: locating helper: %v", common.ErrTunnelStartFailed, err)
		}
	}
	poll := l.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	statusDir := l.StatusDir
	if statusDir == "" {
		statusDir = os.TempDir()
	}
	if err := common.EnsureDir(statusDir); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTunnelStartFailed, err)
	}
	statusFile := filepath.Join(statusDir, fmt.Sprintf("helper-%d.json", time.Now().UnixNano()))

	args := append([]string{exe, HelperCommand}, HelperArgs(spec, statusFile)...)
	common.LogInfo("Requesting elevation: %s %s", command, strings.Join(args, " "))

	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTunnelStartFailed, err)
	}
	// Output is forwarded for logging only; the status file is authoritative.
	p, _, err := startProcess(cmd, spec, "")
	if err != nil {
		return nil, err
	}
	p.terminate = stdin.Close
	p.cleanup = func() { os.Remove(statusFile) }

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			defer p.cleanup()
			switch code := exitCode(p.err); code {
			case exitAuthDismissed, exitNotAuthorized:
				return nil, fmt.Errorf("%w: %s exited with status %d", common.ErrElevationFailed, command, code)
			}
			if st, err := ReadHelperStatus(statusFile); err == nil && st.State == HelperFailed {
				return nil, fmt.Errorf("%w: %s", common.ErrTunnelStartFailed, st.Error)
			}
			return nil, fmt.Errorf("%w: helper exited before confirming (%v)%s", common.ErrTunnelStartFailed, p.err, p.lastOutput())

		case <-ticker.C:
			st, err := ReadHelperStatus(statusFile)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					common.LogDebug("Helper status not readable yet: %v", err)
				}
				continue
			}
			switch st.State {
			case HelperConnected:
				common.LogInfo("Helper confirmed tunnel (PID %d)", st.PID)
				return &elevatedTunnel{process: p, pid: st.PID}, nil
			case HelperFailed:
				_ = p.Stop()
				return nil, fmt.Errorf("%w: %s", common.ErrTunnelStartFailed, st.Error)
			}

		case <-timer.C:
			_ = p.Stop()
			return nil, fmt.Errorf("%w: helper did not confirm within %v", common.ErrTunnelUnconfirmed, spec.Timeout)

		case <-ctx.Done():
			_ = p.Stop()
			return nil, fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
		}
	}
}

// HelperOptions configures RunHelper.
type HelperOptions struct {
	StatusFile string
	Spec       LaunchSpec
	// Stdin is the control pipe; EOF means stop.
	Stdin io.Reader
	// Stdout receives the tunnel output.
	Stdout io.Writer
}

// RunHelper is the body of the privileged helper. It starts the tunnel,
// reports progress in the status file and stops the tunnel when its
// control pipe closes.
func RunHelper(ctx context.Context, opts HelperOptions) error {
	status := func(state string, pid int, err error) {
		st := HelperStatus{State: state, PID: pid}
		if err != nil {
			st.Error = err.Error()
		}
		if werr := writeHelperStatus(opts.StatusFile, st); werr != nil {
			common.LogError("Could not write helper status: %v", werr)
		}
	}

	if opts.StatusFile == "" {
		return errors.New("status file is required")
	}
	status(HelperStarting, os.Getpid(), nil)

	if err := checkBinary(opts.Spec.Binary); err != nil {
		status(HelperFailed, 0, err)
		return err
	}

	spec := opts.Spec
	if opts.Stdout != nil {
		out := opts.Stdout
		spec.OnOutput = func(line string) { fmt.Fprintln(out, line) }
	}

	tunnel, err := DirectLauncher{}.Launch(ctx, spec)
	if err != nil {
		status(HelperFailed, 0, err)
		return err
	}
	status(HelperConnected, tunnel.PID(), nil)

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	select {
	case <-tunnel.Done():
		err := tunnel.Err()
		status(HelperExited, 0, err)
		return err
	case <-waitClosed(stdin):
		common.LogInfo("Helper control pipe closed, stopping tunnel")
	case <-ctx.Done():
	}
	err = tunnel.Stop()
	status(HelperExited, 0, err)
	return err
}

// checkBinary refuses tunnel binaries that unprivileged users could
// have replaced, since the helper runs them as root.
func checkBinary(binary string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTunnelStartFailed, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTunnelStartFailed, err)
	}
	if info.Mode().Perm()&0022 != 0 {
		return fmt.Errorf("%w: %s is writable by other users", common.ErrPermissionDenied, path)
	}
	return nil
}
