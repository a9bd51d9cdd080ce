// Package probe measures network conditions used to rank tunnel endpoints:
// round-trip latency to a server and the client's own geographic location.
package probe

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/yllada/vpn-core/common"
)

// Pinger measures latency by running the platform ping command.
type Pinger struct {
	// Count is the number of echo requests per measurement.
	Count int
	// Timeout bounds a whole measurement.
	Timeout time.Duration
	Runner  common.CommandRunner

	goos string
}

// NewPinger returns a Pinger sending count probes per measurement.
func NewPinger(count int) *Pinger {
	if count <= 0 {
		count = common.PingCount
	}
	return &Pinger{
		Count:   count,
		Timeout: time.Duration(count)*2*time.Second + 2*time.Second,
		Runner:  common.ExecRunner{},
		goos:    runtime.GOOS,
	}
}

// MeasureLatency returns the average round-trip time to host in milliseconds.
// Any failure, including output that cannot be parsed, is an ErrProbeFailed.
func (p *Pinger) MeasureLatency(ctx context.Context, host string) (float64, error) {
	if host == "" {
		return 0, fmt.Errorf("%w: empty host", common.ErrProbeFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	name, args := pingCommand(p.goos, host, p.Count)
	out, runErr := p.Runner.Run(ctx, name, args...)

	// ping exits non-zero on partial loss while still printing a summary,
	// so the output is parsed before the exit status is considered.
	ms, err := ParsePingOutput(string(out))
	if err != nil {
		if runErr != nil {
			return 0, fmt.Errorf("%w: %s: %v", common.ErrProbeFailed, host, runErr)
		}
		return 0, fmt.Errorf("%s: %w", host, err)
	}
	return ms, nil
}

func pingCommand(goos, host string, count int) (string, []string) {
	n := strconv.Itoa(count)
	switch goos {
	case "windows":
		return "ping", []string{"-n", n, "-w", "2000", host}
	case "darwin", "freebsd", "openbsd", "netbsd":
		return "ping", []string{"-c", n, "-t", strconv.Itoa(count*2 + 2), host}
	default:
		return "ping", []string{"-c", n, "-W", "2", host}
	}
}

var (
	// Windows: "Minimum = 40ms, Maximum = 45ms, Average = 42ms"
	windowsAverage = regexp.MustCompile(`(?i)average\s*=\s*(\d+(?:\.\d+)?)\s*ms`)
	// Linux "rtt min/avg/max/mdev = a/b/c/d ms", BSD/macOS/busybox "round-trip min/avg/max[/stddev] = a/b/c ms"
	unixSummary = regexp.MustCompile(`(?i)(?:rtt|round-trip)[^=]*=\s*[\d.]+/([\d.]+)/`)
	// Per-reply "time=12.3 ms" or "time<1ms"
	replyTime = regexp.MustCompile(`(?i)time[=<]\s*(\d+(?:\.\d+)?)\s*ms`)
)

// ParsePingOutput extracts the average round-trip time in milliseconds from
// ping output produced on any supported platform. When no summary line is
// present the per-reply times are averaged.
func ParsePingOutput(output string) (float64, error) {
	for _, re := range []*regexp.Regexp{windowsAverage, unixSummary} {
		if m := re.FindStringSubmatch(output); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, nil
			}
		}
	}

	matches := replyTime.FindAllStringSubmatch(output, -1)
	if len(matches) > 0 {
		var sum float64
		var n int
		for _, m := range matches {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			return sum / float64(n), nil
		}
	}

	snippet := strings.TrimSpace(output)
	if len(snippet) > 80 {
		snippet = snippet[:80] + "..."
	}
	return 0, fmt.Errorf("%w: unrecognized ping output %q", common.ErrProbeFailed, snippet)
}
