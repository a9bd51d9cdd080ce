// Package common provides shared constants, types, and utilities
// used across the VPN core.
package common

import (
	"context"
	"os/exec"
)

// CommandRunner executes an external program and returns its combined
// output. Components that shell out to OS tools (ping, ip, iptables,
// route, pfctl) take a CommandRunner so tests can substitute canned output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns stdout and stderr combined.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandExists reports whether command is on PATH.
func CommandExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// ElevatedRunner runs each command through an elevation program such as
// pkexec or sudo. It lets an unprivileged process drive tools that need
// root, like ip and iptables.
type ElevatedRunner struct {
	// Command is the elevation program, DefaultElevationCommand when empty.
	Command string
	// Runner starts the elevation program, ExecRunner when nil.
	Runner CommandRunner
}

// Run executes name with args as root. The program is resolved on this
// process's PATH because pkexec runs it with a reset environment.
func (r ElevatedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := r.Command
	if command == "" {
		command = DefaultElevationCommand
	}
	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	if path, err := exec.LookPath(name); err == nil {
		name = path
	}
	return runner.Run(ctx, command, append([]string{name}, args...)...)
}
