package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/vpn"
)

// ServerOptions configures the control server.
type ServerOptions struct {
	SocketPath        string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// HeartbeatInterval spaces keep-alive comments on event streams.
	HeartbeatInterval time.Duration
	// Metrics serves /v1/metrics; nil disables the route.
	Metrics http.Handler
}

// Server hosts the control API on a unix socket.
type Server struct {
	http   *http.Server
	ctrl   Controller
	events EventSource
	opts   ServerOptions
	ln     net.Listener

	// base is the parent of every request context; cancelling it ends
	// long-lived event streams so Shutdown does not wait for them.
	base       context.Context
	cancelBase context.CancelFunc
}

// NewServer wires the routes. The server does not listen until Start.
func NewServer(ctrl Controller, source EventSource, opts ServerOptions) *Server {
	if ctrl == nil {
		panic("api.NewServer: controller is nil")
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{ctrl: ctrl, events: source, opts: opts, base: base, cancelBase: cancel}

	mux := http.NewServeMux()
	v := "/" + APIVersion
	mux.HandleFunc("GET "+v+"/healthz", s.handleHealthz)
	mux.HandleFunc("GET "+v+"/servers", s.result(func(r *http.Request) common.Result {
		return s.ctrl.Servers(r.Context())
	}))
	mux.HandleFunc("POST "+v+"/select-server", s.handleSelect)
	mux.HandleFunc("POST "+v+"/test-servers", s.result(func(r *http.Request) common.Result {
		return s.ctrl.TestServers(r.Context())
	}))
	mux.HandleFunc("POST "+v+"/connect", s.handleConnect)
	mux.HandleFunc("POST "+v+"/disconnect", s.result(func(r *http.Request) common.Result {
		return s.ctrl.Disconnect(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("GET "+v+"/status", s.result(func(r *http.Request) common.Result {
		return s.ctrl.Status()
	}))

	mux.HandleFunc("POST "+v+"/killswitch/enable", s.result(func(r *http.Request) common.Result {
		return s.ctrl.EnableKillSwitch(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("POST "+v+"/killswitch/disable", s.result(func(r *http.Request) common.Result {
		return s.ctrl.DisableKillSwitch(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("GET "+v+"/killswitch/status", s.result(func(r *http.Request) common.Result {
		return s.ctrl.KillSwitchStatus()
	}))

	mux.HandleFunc("POST "+v+"/splittunnel/enable", s.result(func(r *http.Request) common.Result {
		return s.ctrl.EnableSplitTunnel(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("POST "+v+"/splittunnel/disable", s.result(func(r *http.Request) common.Result {
		return s.ctrl.DisableSplitTunnel(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("POST "+v+"/splittunnel/add-domain", s.handleDomain(func(ctx context.Context, d string) common.Result {
		return s.ctrl.AddBypassDomain(ctx, d)
	}))
	mux.HandleFunc("POST "+v+"/splittunnel/remove-domain", s.handleDomain(func(_ context.Context, d string) common.Result {
		return s.ctrl.RemoveBypassDomain(d)
	}))
	mux.HandleFunc("POST "+v+"/splittunnel/add-app", s.handleApp(s.ctrl.AddVpnOnlyApp))
	mux.HandleFunc("POST "+v+"/splittunnel/remove-app", s.handleApp(s.ctrl.RemoveVpnOnlyApp))
	mux.HandleFunc("GET "+v+"/splittunnel/config", s.result(func(r *http.Request) common.Result {
		return s.ctrl.SplitTunnelConfig()
	}))

	mux.HandleFunc("GET "+v+"/history", s.handleHistory)
	mux.HandleFunc("GET "+v+"/events", s.handleEvents)
	if opts.Metrics != nil {
		mux.Handle("GET "+v+"/metrics", opts.Metrics)
	}

	s.http = &http.Server{
		Handler:           withLogging(mux),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		// No write timeout: connect waits for the tunnel and event
		// streams stay open.
		IdleTimeout: opts.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return s.base },
	}
	return s
}

// Handler returns the routed handler, for serving on other listeners.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens on the socket and serves in a background goroutine.
func (s *Server) Start() error {
	path := s.opts.SocketPath
	if path == "" {
		return errors.New("socket path is required")
	}
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("securing socket: %w", err)
	}
	s.ln = ln

	go func() {
		common.LogInfo("API listening on %s", path)
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			common.LogError("API server stopped: %v", err)
		}
	}()
	return nil
}

// Stop ends event streams and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelBase()
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if s.opts.SocketPath != "" {
		os.Remove(s.opts.SocketPath)
	}
	return err
}

// removeStaleSocket deletes a socket left by a dead daemon and refuses to
// touch one that still answers.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("another daemon is listening on %s", path)
	}
	common.LogDebug("Removing stale socket %s", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeResult(w, common.OK("ok").WithData(map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
}

// result adapts an operation to a handler.
func (s *Server) result(op func(r *http.Request) common.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, op(r))
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	priority, err := selector.ParsePriority(req.Priority)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeResult(w, s.ctrl.SelectServer(r.Context(), selector.Options{
		Priority:          priority,
		PreferredLocation: req.PreferredLocation,
		ForceRefresh:      req.ForceRefresh,
	}))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req vpn.ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	priority, err := selector.ParsePriority(string(req.Priority))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	req.Priority = priority
	// The connection outlives a client that hangs up mid-connect.
	writeResult(w, s.ctrl.Connect(context.WithoutCancel(r.Context()), req))
}

func (s *Server) handleDomain(op func(ctx context.Context, domain string) common.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DomainRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Domain) == "" {
			writeBadRequest(w, errors.New("domain is required"))
			return
		}
		writeResult(w, op(context.WithoutCancel(r.Context()), req.Domain))
	}
}

func (s *Server) handleApp(op func(path string) common.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AppRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			writeBadRequest(w, errors.New("path is required"))
			return
		}
		writeResult(w, op(req.Path))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	writeResult(w, s.ctrl.History(r.Context(), limit))
}

// handleEvents streams bus events as server-sent events until the client
// goes away or the server stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeResult(w, common.Fail(errors.New("event stream unavailable")))
		return
	}
	var filter map[events.Type]bool
	if v := r.URL.Query().Get("types"); v != "" {
		filter = map[events.Type]bool{}
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[events.Type(t)] = true
			}
		}
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		common.LogWarn("Event stream cannot be flushed: %v", err)
		return
	}

	// The bus dispatcher must never block on a slow client; overflow is
	// dropped.
	ch := make(chan events.Event, 64)
	unsubscribe := s.events.SubscribeAll(func(e events.Event) {
		if filter != nil && !filter[e.Type] {
			return
		}
		select {
		case ch <- e:
		default:
			common.LogDebug("Event stream client is slow, dropping %s", e.Type)
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				common.LogWarn("Cannot encode %s event: %v", e.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// decodeBody reads an optional JSON body. It writes the 400 response and
// returns false on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, common.Fail(err))
}

func writeResult(w http.ResponseWriter, res common.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		common.LogWarn("Writing response: %v", err)
	}
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		common.LogDebug("API %s %s %d %dms", r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}
