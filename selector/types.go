// Package selector ranks candidate tunnel endpoints by latency, distance
// from the client and reported load, and remembers the last test pass.
package selector

import (
	"fmt"
	"strings"
)

// Server is a tunnel endpoint as published by the backend.
type Server struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Location          string   `json:"location"`
	Country           string   `json:"country,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	Host              string   `json:"host,omitempty"`
	IP                string   `json:"ip,omitempty"`
	ActiveConnections int      `json:"activeConnections"`
	MaxCapacity       int      `json:"maxCapacity"`
	// Load is the reported utilisation in percent; nil when unknown.
	Load      *float64 `json:"load,omitempty"`
	Available bool     `json:"available"`
}

// Address returns the host to probe, preferring the hostname.
func (s Server) Address() string {
	if s.Host != "" {
		return s.Host
	}
	return s.IP
}

// HasCoordinates reports whether the server published a position.
func (s Server) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// ReportedLoad returns the server load in percent. When no explicit load
// is published it is derived from the connection counters.
func (s Server) ReportedLoad() (float64, bool) {
	if s.Load != nil {
		return clamp(*s.Load, 0, 100), true
	}
	if s.MaxCapacity > 0 {
		return clamp(float64(s.ActiveConnections)/float64(s.MaxCapacity)*100, 0, 100), true
	}
	return 0, false
}

// ProbeResult is the outcome of testing one server.
type ProbeResult struct {
	PingMs        float64 `json:"pingMs"`
	LocationScore float64 `json:"locationScore"`
	LoadScore     float64 `json:"loadScore"`
	TotalScore    float64 `json:"totalScore"`
	// Timestamp is the unix time in milliseconds of the measurement.
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Usable reports whether the result can take part in ranking.
func (r ProbeResult) Usable() bool {
	return r.Error == ""
}

// Priority selects the metric that decides the winner.
type Priority string

const (
	PriorityAuto     Priority = "auto"
	PriorityPing     Priority = "ping"
	PriorityLoad     Priority = "load"
	PrioritySpeed    Priority = "speed"
	PriorityLocation Priority = "location"
)

// ParsePriority converts a user supplied string. Empty means auto.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityAuto, nil
	case PriorityAuto, PriorityPing, PriorityLoad, PrioritySpeed, PriorityLocation:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Options tune a single selection.
type Options struct {
	Priority          Priority
	PreferredLocation string
	ForceRefresh      bool
}

// Selection is the outcome of SelectBestServer.
type Selection struct {
	Server             Server      `json:"server"`
	Metrics            ProbeResult `json:"metrics"`
	UsingCachedResults bool        `json:"usingCachedResults"`
	UsingFallback      bool        `json:"usingFallback"`
	// Err explains why the fallback server was chosen.
	Err error `json:"-"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
