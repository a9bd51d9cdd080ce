// Package cli implements the vpn-core command line: the daemon that owns
// the tunnel and the client commands that drive it over the control socket.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/config"
)

// BuildInfo carries the values injected at link time.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// requestTimeout bounds client calls that do not wait on the tunnel.
const requestTimeout = 30 * time.Second

// options holds the persistent flags and the state derived from them.
type options struct {
	info       BuildInfo
	configPath string
	socketPath string
	verbose    bool
	jsonOutput bool

	cfg *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &options{info: info}
	root := &cobra.Command{
		Use:           "vpn-core",
		Short:         "Connect to the best VPN server and keep the tunnel healthy",
		Long:          common.AppName + " picks a server by latency, location and load, runs the tunnel and guards it with a kill switch and split tunneling.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default ~/.config/vpn-core/config.yaml)")
	flags.StringVar(&opts.socketPath, "socket", "", "daemon control socket")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print raw JSON payloads")

	root.AddCommand(
		newDaemonCommand(opts),
		newServersCommand(opts),
		newSelectCommand(opts),
		newTestCommand(opts),
		newConnectCommand(opts),
		newDisconnectCommand(opts),
		newStatusCommand(opts),
		newWatchCommand(opts),
		newKillSwitchCommand(opts),
		newSplitCommand(opts),
		newHistoryCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
		newVersionCommand(opts),
		newHelperCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(info BuildInfo) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer common.CloseLogger()

	err := NewRootCommand(info).ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, failStyle.Render("Error:"), err)
	if errors.Is(err, api.ErrDaemonUnavailable) {
		fmt.Fprintln(os.Stderr, "Start it with: vpn-core daemon")
	}
	return 1
}

// setup loads the configuration and a console logger. The daemon
// replaces the logger with the configured one.
func (o *options) setup() error {
	level := common.LevelWarn
	if o.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{Level: level}); err != nil {
		return err
	}

	var err error
	if o.configPath != "" {
		o.cfg, err = config.LoadFrom(o.configPath)
	} else {
		o.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	return nil
}

func (o *options) socket() (string, error) {
	if o.socketPath != "" {
		return o.socketPath, nil
	}
	return o.cfg.ResolveSocketPath()
}

func (o *options) client() (*api.Client, error) {
	path, err := o.socket()
	if err != nil {
		return nil, err
	}
	return api.NewClient(path), nil
}

// call runs fn against the daemon with a request timeout.
func (o *options) call(cmd *cobra.Command, timeout time.Duration, fn func(context.Context, *api.Client) (*api.Response, error)) (*api.Response, error) {
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := fn(ctx, c)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}
