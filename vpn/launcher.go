package vpn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/vpn-core/common"
)

// LaunchSpec describes one start of the tunnel binary.
type LaunchSpec struct {
	Binary string
	// Args are passed before the configuration flags.
	Args          []string
	ConfigPath    string
	Interface     string
	SuccessMarker string
	// Timeout bounds the wait for the tunnel to come up.
	Timeout time.Duration
	// Grace is how long the tunnel gets to exit after being asked to stop.
	Grace time.Duration
	// OnOutput receives every output line of the tunnel.
	OnOutput func(line string)
}

// argv returns the full command line of the tunnel binary.
func (s LaunchSpec) argv() []string {
	argv := append([]string{s.Binary}, s.Args...)
	argv = append(argv, "--config", s.ConfigPath)
	if s.Interface != "" {
		argv = append(argv, "--dev", s.Interface)
	}
	return argv
}

func (s LaunchSpec) withDefaults() LaunchSpec {
	if s.Timeout <= 0 {
		s.Timeout = common.ConnectionTimeout
	}
	if s.Grace <= 0 {
		s.Grace = common.TerminateGracePeriod
	}
	return s
}

// Tunnel is a running tunnel process.
type Tunnel interface {
	// PID is the process ID of the tunnel binary.
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Stop asks the tunnel to exit and kills it after the grace period.
	Stop() error
}

// Launcher starts the tunnel and returns once it is confirmed up.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Tunnel, error)
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

const maxLineLength = 64 * 1024

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.fn(line)
	}
	if len(w.buf) > maxLineLength {
		w.fn(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

// process supervises an exec.Cmd.
type process struct {
	cmd       *exec.Cmd
	grace     time.Duration
	done      chan struct{}
	err       error
	terminate func() error
	cleanup   func()

	tailMu sync.Mutex
	tail   []string
}

const tailLines = 5

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *process) Stop() error {
	defer func() {
		if p.cleanup != nil {
			p.cleanup()
		}
	}()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.terminate(); err != nil {
		common.LogWarn("Could not ask tunnel (PID %d) to stop: %v", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	common.LogWarn("Tunnel (PID %d) did not exit within %v, killing", p.PID(), p.grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing tunnel: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		return fmt.Errorf("tunnel (PID %d) did not exit after kill", p.PID())
	}
}

func (p *process) recordLine(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > tailLines {
		p.tail = p.tail[len(p.tail)-tailLines:]
	}
}

// lastOutput returns the final output lines for error messages.
func (p *process) lastOutput() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	if len(p.tail) == 0 {
		return ""
	}
	return ": " + strings.Join(p.tail, " | ")
}

// startProcess runs cmd, feeding its output to spec.OnOutput. The
// returned channel is closed when a line contains marker.
func startProcess(cmd *exec.Cmd, spec LaunchSpec, marker string) (*process, <-chan struct{}, error) {
	p := &process{cmd: cmd, grace: spec.Grace, done: make(chan struct{})}
	ready := make(chan struct{})
	var once sync.Once

	out := &lineWriter{fn: func(line string) {
		p.recordLine(line)
		if spec.OnOutput != nil {
			spec.OnOutput(line)
		}
		if marker != "" && strings.Contains(line, marker) {
			once.Do(func() { close(ready) })
		}
	}}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrTunnelStartFailed, err)
	}
	go func() {
		err := cmd.Wait()
		out.Flush()
		p.err = err
		close(p.done)
	}()
	return p, ready, nil
}

// DirectLauncher runs the tunnel binary as a child process and waits for
// the success marker in its output.
type DirectLauncher struct{}

// Launch starts the tunnel and blocks until it reports success.
func (DirectLauncher) Launch(ctx context.Context, spec LaunchSpec) (Tunnel, error) {
	spec = spec.withDefaults()
	if spec.SuccessMarker == "" {
		spec.SuccessMarker = common.DefaultSuccessMarker
	}
	argv := spec.argv()
	common.LogInfo("Starting tunnel: %s", strings.Join(argv, " "))

	cmd := exec.Command(argv[0], argv[1:]...)
	p, ready, err := startProcess(cmd, spec, spec.SuccessMarker)
	if err != nil {
		return nil, err
	}
	p.terminate = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	common.LogInfo("Tunnel process started with PID %d", p.PID())

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case <-ready:
		common.LogInfo("Tunnel established on %s", spec.Interface)
		return p, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: exited before ready (%v)%s", common.ErrTunnelStartFailed, p.err, p.lastOutput())
	case <-timer.C:
		_ = p.Stop()
		return nil, fmt.Errorf("%w: no %q within %v", common.ErrTunnelUnconfirmed, spec.SuccessMarker, spec.Timeout)
	case <-ctx.Done():
		_ = p.Stop()
		return nil, fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	}
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// waitClosed drains r and closes the returned channel at EOF.
func waitClosed(r io.Reader) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, r)
		close(closed)
	}()
	return closed
}
