// Package metrics exposes connection and selection metrics in the
// Prometheus text format, derived from events on the bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/selector"
)

const namespace = "vpn_core"

// Collector holds the registry and the instruments fed by the bus.
type Collector struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	connected         prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectGiveUps  prometheus.Counter
	killSwitch        prometheus.Gauge
	splitTunnel       prometheus.Gauge
	serverPing        *prometheus.GaugeVec
	serverScore       *prometheus.GaugeVec
	reachableServers  prometheus.Gauge
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events published, by type.",
		}, []string{"type"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a tunnel session is established.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		reconnectGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Times automatic reconnection gave up.",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "killswitch_enabled",
			Help:      "1 while the kill switch rules are installed.",
		}),
		splitTunnel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "splittunnel_enabled",
			Help:      "1 while split tunnel routes are installed.",
		}),
		serverPing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ping_milliseconds",
			Help:      "Average round trip of the last test pass.",
		}, []string{"server"}),
		serverScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "total_score",
			Help:      "Weighted selection score of the last test pass.",
		}, []string{"server"}),
		reachableServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachable_servers",
			Help:      "Servers that answered in the last test pass.",
		}),
	}

	c.registry.MustRegister(
		c.events,
		c.connected,
		c.reconnectAttempts,
		c.reconnectGiveUps,
		c.killSwitch,
		c.splitTunnel,
		c.serverPing,
		c.serverScore,
		c.reachableServers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Subscriber is the part of events.Bus the collector needs.
type Subscriber interface {
	SubscribeAll(h events.Handler) func()
}

// Attach feeds the collector from bus until the returned function is called.
func (c *Collector) Attach(bus Subscriber) func() {
	return bus.SubscribeAll(c.Observe)
}

// Observe updates the instruments for e.
func (c *Collector) Observe(e events.Event) {
	c.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.Connected, events.Reconnected:
		c.connected.Set(1)
	case events.Disconnected, events.ConnectionLost, events.ReconnectMaxRetries:
		c.connected.Set(0)
	}

	switch e.Type {
	case events.ReconnectAttempt:
		c.reconnectAttempts.Inc()
	case events.ReconnectMaxRetries:
		c.reconnectGiveUps.Inc()
	case events.KillSwitchChanged:
		c.killSwitch.Set(boolGauge(e.Data))
	case events.SplitTunnelChanged:
		c.splitTunnel.Set(boolGauge(e.Data))
	case events.ServersTested:
		results, ok := e.Data.(map[string]selector.ProbeResult)
		if !ok {
			return
		}
		c.serverPing.Reset()
		c.serverScore.Reset()
		reachable := 0
		for id, r := range results {
			if !r.Usable() {
				continue
			}
			reachable++
			c.serverPing.WithLabelValues(id).Set(r.PingMs)
			c.serverScore.WithLabelValues(id).Set(r.TotalScore)
		}
		c.reachableServers.Set(float64(reachable))
	}
}

func boolGauge(v any) float64 {
	if b, ok := v.(bool); ok && b {
		return 1
	}
	return 0
}
