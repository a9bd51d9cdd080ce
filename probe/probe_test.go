package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/yllada/vpn-core/common"
)

func TestParsePingOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    float64
		wantErr bool
	}{
		{
			name:   "windows summary",
			output: "Packets: Sent = 3, Received = 3, Lost = 0 (0% loss),\r\n    Minimum = 40ms, Maximum = 45ms, Average = 42ms",
			want:   42,
		},
		{
			name:   "bare windows average",
			output: "Average = 42ms",
			want:   42,
		},
		{
			name:   "linux iputils",
			output: "3 packets transmitted, 3 received, 0% packet loss, time 2003ms\nrtt min/avg/max/mdev = 10.112/12.500/14.873/1.944 ms",
			want:   12.5,
		},
		{
			name:   "macos",
			output: "round-trip min/avg/max/stddev = 20.001/25.250/30.100/4.100 ms",
			want:   25.25,
		},
		{
			name:   "busybox",
			output: "round-trip min/avg/max = 1.000/2.000/3.000 ms",
			want:   2,
		},
		{
			name:   "per reply fallback",
			output: "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=10.0 ms\n64 bytes from 1.1.1.1: icmp_seq=2 ttl=57 time=20.0 ms",
			want:   15,
		},
		{
			name:    "unparsable",
			output:  "ping: unknown host nowhere.invalid",
			wantErr: true,
		},
		{
			name:    "empty",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePingOutput(tt.output)
			if tt.wantErr {
				if !errors.Is(err, common.ErrProbeFailed) {
					t.Errorf("ParsePingOutput() error = %v, want ErrProbeFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePingOutput() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePingOutput() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeRunner struct {
	out  string
	err  error
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name, f.args = name, args
	return []byte(f.out), f.err
}

func TestPinger_MeasureLatency(t *testing.T) {
	runner := &fakeRunner{out: "rtt min/avg/max/mdev = 1.0/42.0/50.0/2.0 ms"}
	p := NewPinger(3)
	p.Runner = runner
	p.goos = "linux"

	ms, err := p.MeasureLatency(context.Background(), "vpn1.example.com")
	if err != nil {
		t.Fatalf("MeasureLatency() error = %v", err)
	}
	if ms != 42 {
		t.Errorf("MeasureLatency() = %v, want 42", ms)
	}
	if runner.name != "ping" || runner.args[0] != "-c" || runner.args[1] != "3" {
		t.Errorf("ran %s %v", runner.name, runner.args)
	}
	if runner.args[len(runner.args)-1] != "vpn1.example.com" {
		t.Errorf("host should be the last argument, got %v", runner.args)
	}
}

func TestPinger_PartialLossStillParses(t *testing.T) {
	runner := &fakeRunner{
		out: "3 packets transmitted, 2 received, 33% packet loss\nrtt min/avg/max/mdev = 1.0/30.0/50.0/2.0 ms",
		err: fmt.Errorf("exit status 1"),
	}
	p := NewPinger(3)
	p.Runner = runner

	ms, err := p.MeasureLatency(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("MeasureLatency() error = %v", err)
	}
	if ms != 30 {
		t.Errorf("MeasureLatency() = %v, want 30", ms)
	}
}

func TestPinger_Failure(t *testing.T) {
	p := NewPinger(3)
	p.Runner = &fakeRunner{out: "100% packet loss", err: fmt.Errorf("exit status 1")}

	if _, err := p.MeasureLatency(context.Background(), "10.0.0.1"); !errors.Is(err, common.ErrProbeFailed) {
		t.Errorf("MeasureLatency() error = %v, want ErrProbeFailed", err)
	}
	if _, err := p.MeasureLatency(context.Background(), ""); !errors.Is(err, common.ErrProbeFailed) {
		t.Errorf("MeasureLatency(\"\") error = %v, want ErrProbeFailed", err)
	}
}

func TestPingCommand(t *testing.T) {
	tests := []struct {
		goos      string
		countFlag string
	}{
		{"linux", "-c"},
		{"darwin", "-c"},
		{"windows", "-n"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			name, args := pingCommand(tt.goos, "h", 3)
			if name != "ping" || args[0] != tt.countFlag || args[1] != "3" {
				t.Errorf("pingCommand(%s) = %s %v", tt.goos, name, args)
			}
		})
	}
}

func TestHTTPLocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","country":"Germany","countryCode":"de","lat":52.52,"lon":13.40}`)
	}))
	defer srv.Close()

	loc, err := NewHTTPLocator(srv.URL).Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if loc.CountryCode != "DE" || loc.Country != "Germany" {
		t.Errorf("Locate() country = %q/%q", loc.Country, loc.CountryCode)
	}
	if !loc.HasCoordinates || loc.Latitude != 52.52 {
		t.Errorf("Locate() coordinates = %+v", loc)
	}
}

func TestHTTPLocator_Failures(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"fail status", http.StatusOK, `{"status":"fail","message":"private range"}`},
		{"garbage", http.StatusOK, `not json`},
		{"empty", http.StatusOK, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPLocator(srv.URL).Locate(context.Background())
			if !errors.Is(err, common.ErrLocationUnavailable) {
				t.Errorf("Locate() error = %v, want ErrLocationUnavailable", err)
			}
		})
	}
}

func TestMMDBLocator_MissingDatabase(t *testing.T) {
	l := NewMMDBLocator(filepath.Join(t.TempDir(), "missing.mmdb"), "http://127.0.0.1:1")
	if _, err := l.Locate(context.Background()); !errors.Is(err, common.ErrLocationUnavailable) {
		t.Errorf("Locate() error = %v, want ErrLocationUnavailable", err)
	}
}

type stubLocator struct {
	loc *Location
	err error
}

func (s stubLocator) Locate(context.Context) (*Location, error) { return s.loc, s.err }

func TestChain(t *testing.T) {
	want := &Location{CountryCode: "NL"}
	c := Chain{
		stubLocator{err: fmt.Errorf("%w: offline", common.ErrLocationUnavailable)},
		stubLocator{loc: want},
	}
	got, err := c.Locate(context.Background())
	if err != nil || got != want {
		t.Errorf("Chain.Locate() = %v, %v", got, err)
	}

	if _, err := (Chain{}).Locate(context.Background()); !errors.Is(err, common.ErrLocationUnavailable) {
		t.Errorf("empty Chain error = %v", err)
	}
}
