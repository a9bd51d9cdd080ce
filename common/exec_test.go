package common

import (
	"context"
	"os/exec"
	"reflect"
	"testing"
)

type recordingRunner struct {
	name string
	args []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	return nil, nil
}

func TestElevatedRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("needs sh on PATH")
	}
	tests := []struct {
		name     string
		command  string
		program  string
		wantName string
		wantArgs []string
	}{
		{"default command", "", "sh", DefaultElevationCommand, []string{sh, "-c", "true"}},
		{"custom command", "sudo", "sh", "sudo", []string{sh, "-c", "true"}},
		{"unresolved program", "sudo", "no-such-tool-xyz", "sudo", []string{"no-such-tool-xyz", "-c", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingRunner{}
			r := ElevatedRunner{Command: tt.command, Runner: rec}
			if _, err := r.Run(context.Background(), tt.program, "-c", "true"); err != nil {
				t.Fatal(err)
			}
			if rec.name != tt.wantName || !reflect.DeepEqual(rec.args, tt.wantArgs) {
				t.Errorf("ran %s %v, want %s %v", rec.name, rec.args, tt.wantName, tt.wantArgs)
			}
		})
	}
}
