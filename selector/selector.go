package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/probe"
	"golang.org/x/sync/errgroup"
)

// LatencyProber measures round-trip time to a host in milliseconds.
type LatencyProber interface {
	MeasureLatency(ctx context.Context, host string) (float64, error)
}

// Config configures a Selector.
type Config struct {
	// CachePath is where results are persisted. Empty disables persistence.
	CachePath   string
	TTL         time.Duration
	Parallelism int
	Prober      LatencyProber
	// Locator may be nil, which disables location scoring.
	Locator   probe.Locator
	Publisher events.Publisher
}

// Selector picks the best server and caches its measurements.
type Selector struct {
	cfg Config

	mu      sync.Mutex
	cache   Cache
	testing bool

	now func() time.Time
}

// New creates a Selector and loads any persisted cache.
func New(cfg Config) *Selector {
	if cfg.TTL <= 0 {
		cfg.TTL = common.SelectionCacheTTL
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.Prober == nil {
		cfg.Prober = probe.NewPinger(common.PingCount)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	return &Selector{
		cfg:   cfg,
		cache: loadCache(cfg.CachePath),
		now:   time.Now,
	}
}

// SelectBestServer chooses a server from servers. With at least one server
// it always returns a selection; when nothing could be ranked the first
// server is returned with UsingFallback set and Err explaining why.
func (s *Selector) SelectBestServer(ctx context.Context, servers []Server, opts Options) (*Selection, error) {
	if len(servers) == 0 {
		return nil, common.ErrNoServersAvailable
	}
	if opts.Priority == "" {
		opts.Priority = PriorityAuto
	}

	var (
		results map[string]ProbeResult
		cached  bool
	)

	s.mu.Lock()
	if !opts.ForceRefresh && s.cache.Fresh(s.now(), s.cfg.TTL) && s.cache.covers(servers) {
		results, cached = copyResults(s.cache.Results), true
	}
	s.mu.Unlock()

	if !cached {
		var err error
		results, err = s.testServers(ctx, servers)
		if err != nil {
			// A pass is already running; rank with whatever we have.
			common.LogWarn("Selection using previous results: %v", err)
			s.mu.Lock()
			results, cached = copyResults(s.cache.Results), true
			s.mu.Unlock()
		}
	}

	best, metrics, ok := rank(servers, results, opts)
	if !ok {
		err := fmt.Errorf("%w: no server produced a usable measurement", common.ErrProbeFailed)
		common.LogWarn("Falling back to %s: %v", servers[0].ID, err)
		return &Selection{
			Server:             servers[0],
			Metrics:            results[servers[0].ID],
			UsingCachedResults: cached,
			UsingFallback:      true,
			Err:                err,
		}, nil
	}

	common.LogInfo("Selected server %s (%s) priority=%s ping=%.1fms total=%.1f cached=%v",
		best.ID, best.Name, opts.Priority, metrics.PingMs, metrics.TotalScore, cached)
	return &Selection{Server: best, Metrics: metrics, UsingCachedResults: cached}, nil
}

// ForceTestServers probes every server regardless of cache age and stores
// the results. It fails with ErrAlreadyTesting while another pass runs.
func (s *Selector) ForceTestServers(ctx context.Context, servers []Server) (map[string]ProbeResult, error) {
	if len(servers) == 0 {
		return nil, common.ErrNoServersAvailable
	}
	return s.testServers(ctx, servers)
}

// LastTestTime returns when the cached results were measured.
func (s *Selector) LastTestTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.cache.Timestamp)
}

// CachedResults returns a copy of the cached results.
func (s *Selector) CachedResults() map[string]ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyResults(s.cache.Results)
}

// InvalidateCache drops all cached results.
func (s *Selector) InvalidateCache() {
	s.mu.Lock()
	s.cache = newCache()
	c := s.cache
	s.mu.Unlock()
	saveCache(s.cfg.CachePath, c)
}

// IsTesting reports whether a test pass is in flight.
func (s *Selector) IsTesting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testing
}

func (s *Selector) testServers(ctx context.Context, servers []Server) (map[string]ProbeResult, error) {
	s.mu.Lock()
	if s.testing {
		s.mu.Unlock()
		return nil, common.ErrAlreadyTesting
	}
	s.testing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.testing = false
		s.mu.Unlock()
	}()

	var client *probe.Location
	if s.cfg.Locator != nil {
		loc, err := s.cfg.Locator.Locate(ctx)
		if err != nil {
			common.LogWarn("Location scoring disabled for this pass: %v", err)
		} else {
			client = loc
		}
	}

	common.LogInfo("Testing %d servers", len(servers))
	ts := s.now().UnixMilli()
	out := make([]ProbeResult, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, srv := range servers {
		g.Go(func() error {
			out[i] = s.testOne(gctx, client, srv, ts)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]ProbeResult, len(servers))
	usable := 0
	for i, srv := range servers {
		results[srv.ID] = out[i]
		if out[i].Usable() {
			usable++
		}
	}

	s.mu.Lock()
	s.cache = Cache{Results: copyResults(results), Timestamp: ts}
	c := s.cache
	s.mu.Unlock()
	saveCache(s.cfg.CachePath, c)

	common.LogInfo("Server test complete: %d/%d usable", usable, len(servers))
	s.cfg.Publisher.Publish(events.Event{
		Type:    events.ServersTested,
		Source:  "selector",
		Message: fmt.Sprintf("%d of %d servers reachable", usable, len(servers)),
		Data:    copyResults(results),
	})
	return results, nil
}

func (s *Selector) testOne(ctx context.Context, client *probe.Location, srv Server, ts int64) ProbeResult {
	if !srv.Available {
		return ProbeResult{Timestamp: ts, Error: "server unavailable"}
	}
	ping, err := s.cfg.Prober.MeasureLatency(ctx, srv.Address())
	if err != nil {
		common.LogDebug("Probe of %s failed: %v", srv.ID, err)
		return ProbeResult{Timestamp: ts, Error: err.Error()}
	}
	return score(client, srv, ping, ts)
}

type candidate struct {
	server Server
	result ProbeResult
}

// rank orders the servers with usable results by priority. Ties keep the
// input order.
func rank(servers []Server, results map[string]ProbeResult, opts Options) (Server, ProbeResult, bool) {
	var cands []candidate
	for _, srv := range servers {
		if r, ok := results[srv.ID]; ok && r.Usable() {
			cands = append(cands, candidate{server: srv, result: r})
		}
	}
	if len(cands) == 0 {
		return Server{}, ProbeResult{}, false
	}

	preferred := strings.ToLower(strings.TrimSpace(opts.PreferredLocation))
	matches := func(c candidate) bool {
		return preferred != "" &&
			(strings.Contains(strings.ToLower(c.server.Location), preferred) ||
				strings.Contains(strings.ToLower(c.server.Country), preferred))
	}

	var less func(a, b candidate) bool
	switch opts.Priority {
	case PriorityPing:
		less = func(a, b candidate) bool { return a.result.PingMs < b.result.PingMs }
	case PriorityLoad, PrioritySpeed:
		less = func(a, b candidate) bool { return a.result.LoadScore > b.result.LoadScore }
	case PriorityLocation:
		less = func(a, b candidate) bool {
			if ma, mb := matches(a), matches(b); ma != mb {
				return ma
			}
			return a.result.LocationScore > b.result.LocationScore
		}
	default:
		less = func(a, b candidate) bool { return a.result.TotalScore > b.result.TotalScore }
	}

	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) })
	return cands[0].server, cands[0].result, true
}

func copyResults(in map[string]ProbeResult) map[string]ProbeResult {
	out := make(map[string]ProbeResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
