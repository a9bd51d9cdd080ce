package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/backend"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/config"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/history"
	"github.com/yllada/vpn-core/keyring"
	"github.com/yllada/vpn-core/killswitch"
	"github.com/yllada/vpn-core/metrics"
	"github.com/yllada/vpn-core/monitor"
	"github.com/yllada/vpn-core/notify"
	"github.com/yllada/vpn-core/probe"
	"github.com/yllada/vpn-core/route"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/splittunnel"
	"github.com/yllada/vpn-core/vpn"
)

const (
	// shutdownTimeout bounds the teardown after a termination signal.
	shutdownTimeout = 30 * time.Second
	// logRotationInterval is how often the log file size is checked.
	logRotationInterval = 10 * time.Minute
)

func newDaemonCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the connection manager and serve the control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := common.ParseLogLevel(o.cfg.Log.Level)
			if o.verbose {
				level = common.LevelDebug
			}
			if err := common.InitLogger(common.LogConfig{
				Level:       level,
				EnableFile:  o.cfg.Log.File,
				MaxFileSize: 5 * 1024 * 1024, // 5MB
				MaxBackups:  5,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
			}

			socket, err := o.socket()
			if err != nil {
				return err
			}
			d, err := newDaemon(o.cfg, o.info, socket)
			if err != nil {
				return err
			}
			return d.run(cmd.Context())
		},
	}
}

// daemon owns every long-lived component.
type daemon struct {
	bus     *events.Bus
	history *history.Store
	manager *vpn.Manager
	server  *api.Server
	cleanup []func()
}

// newDaemon wires the components described by cfg.
func newDaemon(cfg *config.Config, info BuildInfo, socket string) (*daemon, error) {
	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}
	workDir, err := cfg.ResolveWorkDir()
	if err != nil {
		return nil, err
	}

	d := &daemon{bus: events.NewBus()}
	common.GetLogger().AddObserver(func(level common.LogLevel, line string) {
		if level >= common.LevelWarn {
			d.bus.Emit(events.Log, "daemon", line, level.String())
		}
	})

	version := cfg.Backend.Version
	if version == "" {
		version = info.Version
	}
	client := backend.New(backend.Config{
		BaseURL:  cfg.Backend.BaseURL,
		Timeout:  cfg.Backend.Timeout,
		Platform: cfg.Backend.Platform,
		Version:  version,
	}, keyring.New(stateDir))

	var locator probe.Locator = probe.NewHTTPLocator(cfg.Selector.GeoLookupURL)
	if cfg.Selector.GeoIPDatabase != "" {
		locator = probe.Chain{probe.NewMMDBLocator(cfg.Selector.GeoIPDatabase, cfg.Selector.PublicIPURL), locator}
	}
	sel := selector.New(selector.Config{
		CachePath:   filepath.Join(stateDir, common.SelectionCacheFileName),
		TTL:         cfg.Selector.CacheTTL,
		Parallelism: cfg.Selector.Parallelism,
		Prober:      probe.NewPinger(cfg.Selector.PingCount),
		Locator:     locator,
		Publisher:   d.bus,
	})

	elevated := cfg.Tunnel.Elevate && os.Geteuid() != 0
	ctrl := route.New(commandRunner(cfg, elevated))
	ks := killswitch.New(ctrl, stateDir, d.bus)
	st := splittunnel.New(ctrl, splittunnel.NewDNSResolver(cfg.SplitTunnel.Resolvers), stateDir, d.bus)

	d.history, err = history.Open(filepath.Join(stateDir, common.HistoryFileName))
	if err != nil {
		d.bus.Close()
		return nil, err
	}
	if n, err := d.history.CloseDangling(context.Background()); err != nil {
		common.LogWarn("Could not close stale sessions: %v", err)
	} else if n > 0 {
		common.LogInfo("Closed %d sessions left open by a previous run", n)
	}

	binary := cfg.Tunnel.Binary
	if binary == "" {
		binary = common.DefaultTunnelBinary
	}
	if !common.CommandExists(binary) {
		common.LogWarn("Tunnel binary %s not found; connections will fail until it is installed", binary)
	}

	var launcher vpn.Launcher = vpn.DirectLauncher{}
	if elevated {
		launcher = vpn.ElevatedLauncher{
			Command:   cfg.Tunnel.ElevationCommand,
			StatusDir: filepath.Join(stateDir, "helper"),
		}
	}

	d.manager = vpn.New(vpn.Options{
		Binary:               binary,
		Args:                 cfg.Tunnel.Args,
		Interface:            cfg.Tunnel.Interface,
		ConnectionType:       cfg.Tunnel.ConnectionType,
		SuccessMarker:        cfg.Tunnel.SuccessMarker,
		ConnectTimeout:       cfg.Tunnel.ConnectTimeout,
		TerminateGrace:       cfg.Tunnel.TerminateGrace,
		WorkDir:              workDir,
		TestConfig:           cfg.Tunnel.TestConfig,
		KillSwitchOnConnect:  cfg.KillSwitch.EnableOnConnect,
		SplitTunnelOnConnect: cfg.SplitTunnel.EnableOnConnect,
		Monitor: monitor.Config{
			Interval:       cfg.Monitor.Interval,
			ReconnectDelay: cfg.Monitor.ReconnectDelay,
			MaxRetries:     cfg.Monitor.MaxRetries,
			Targets:        cfg.Monitor.Targets,
		},
	}, vpn.Deps{
		Backend:     client,
		Selector:    sel,
		Launcher:    launcher,
		KillSwitch:  ks,
		SplitTunnel: st,
		History:     d.history,
		Publisher:   d.bus,
	})
	svc := vpn.NewService(d.manager, vpn.ServiceDeps{
		Selector:    sel,
		SplitTunnel: st,
		History:     d.history,
	})

	collector := metrics.New()
	d.cleanup = append(d.cleanup, collector.Attach(d.bus))

	if cfg.Notifications.Enabled {
		if n, err := notify.NewDBus(common.AppName); err != nil {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		} else {
			stop := notify.Watch(d.bus, n)
			d.cleanup = append(d.cleanup, stop, func() { n.Close() })
		}
	}

	d.server = api.NewServer(svc, d.bus, api.ServerOptions{
		SocketPath: socket,
		Metrics:    collector.Handler(),
	})
	return d, nil
}

// commandRunner returns the runner for route and firewall commands. When
// the tunnel is elevated, they are elevated the same way.
func commandRunner(cfg *config.Config, elevated bool) common.CommandRunner {
	if elevated {
		return common.ElevatedRunner{Command: cfg.Tunnel.ElevationCommand}
	}
	return common.ExecRunner{}
}

// run serves until ctx ends, then tears everything down in order.
func (d *daemon) run(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		d.close(context.Background())
		return err
	}
	common.LogInfo("%s daemon started", common.AppName)

	rotation := time.NewTicker(logRotationInterval)
	defer rotation.Stop()
	for done := false; !done; {
		select {
		case <-rotation.C:
			common.GetLogger().CheckRotation()
		case <-ctx.Done():
			done = true
		}
	}
	common.LogInfo("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Stop(sctx); err != nil {
		common.LogWarn("Error stopping control server: %v", err)
	}
	return d.close(sctx)
}

func (d *daemon) close(ctx context.Context) error {
	err := d.manager.Close(ctx)
	if err != nil {
		common.LogError("Error disconnecting: %v", err)
	}
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
	if herr := d.history.Close(); herr != nil {
		common.LogWarn("Error closing history: %v", herr)
	}
	d.bus.Close()
	return err
}
