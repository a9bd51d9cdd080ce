package cli

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/vpn"
)

// show prints the payload of resp as JSON or through render.
func show[T any](o *options, cmd *cobra.Command, resp *api.Response, render func(T) string) error {
	if o.jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	var v T
	if err := resp.Decode(&v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), render(v))
	for _, warning := range resp.Warnings {
		fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("!")+" "+warning)
	}
	return nil
}

// done prints the outcome of an operation without a payload to render.
func done(o *options, cmd *cobra.Command, resp *api.Response) error {
	if o.jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	printMessage(cmd.OutOrStdout(), resp)
	return nil
}

func newServersCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List the servers offered by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
				return c.Get(ctx, "servers", nil)
			})
			if err != nil {
				return err
			}
			return show(o, cmd, resp, renderServers)
		},
	}
}

// selectionFlags are shared by select and connect.
type selectionFlags struct {
	priority string
	location string
	refresh  bool
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "", "ranking priority: auto, ping, load, speed or location (default from config)")
	cmd.Flags().StringVarP(&f.location, "location", "l", "", "preferred server location (default from config)")
	cmd.Flags().BoolVar(&f.refresh, "refresh", false, "ignore cached measurements")
}

// resolve fills unset flags from the configuration and validates them.
func (f *selectionFlags) resolve(o *options) (selector.Priority, string, error) {
	raw, location := f.priority, f.location
	if raw == "" {
		raw = o.cfg.Selector.Priority
	}
	if location == "" {
		location = o.cfg.Selector.PreferredLocation
	}
	priority, err := selector.ParsePriority(raw)
	return priority, location, err
}

func newSelectCommand(o *options) *cobra.Command {
	var flags selectionFlags
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the best server without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priority, location, err := flags.resolve(o)
			if err != nil {
				return err
			}
			req := api.SelectRequest{Priority: string(priority), PreferredLocation: location, ForceRefresh: flags.refresh}
			var resp *api.Response
			err = withSpinner(cmd, "Measuring servers", func() error {
				var err error
				resp, err = o.call(cmd, 0, func(ctx context.Context, c *api.Client) (*api.Response, error) {
					return c.Post(ctx, "select-server", req)
				})
				return err
			})
			if err != nil {
				return err
			}
			return show(o, cmd, resp, renderSelection)
		},
	}
	flags.register(cmd)
	return cmd
}

func newTestCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Measure every server, ignoring cached results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp *api.Response
			err := withSpinner(cmd, "Testing servers", func() error {
				var err error
				resp, err = o.call(cmd, 0, func(ctx context.Context, c *api.Client) (*api.Response, error) {
					return c.Post(ctx, "test-servers", nil)
				})
				return err
			})
			if err != nil {
				return err
			}
			if !o.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓")+" "+resp.Message)
			}
			return show(o, cmd, resp, renderTestReport)
		},
	}
}

func newConnectCommand(o *options) *cobra.Command {
	var (
		flags    selectionFlags
		connType string
	)
	cmd := &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Connect to a server, or to the best one when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, location, err := flags.resolve(o)
			if err != nil {
				return err
			}
			req := vpn.ConnectRequest{
				Type:              connType,
				Priority:          priority,
				PreferredLocation: location,
				ForceRefresh:      flags.refresh,
			}
			if len(args) == 1 {
				req.ServerID = args[0]
			}

			var resp *api.Response
			err = withSpinner(cmd, "Connecting", func() error {
				var err error
				resp, err = o.call(cmd, 0, func(ctx context.Context, c *api.Client) (*api.Response, error) {
					return c.Post(ctx, "connect", req)
				})
				return err
			})
			if err != nil {
				return err
			}
			if o.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printMessage(cmd.OutOrStdout(), resp)
			var res vpn.ConnectResult
			if err := resp.Decode(&res); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  Interface: %s\n", res.Session.InterfaceName)
				if res.Selection != nil && !res.Selection.UsingFallback {
					fmt.Fprintf(cmd.OutOrStdout(), "  Ping:      %.1f ms\n", res.Selection.Metrics.PingMs)
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&connType, "type", "t", "", "connection type requested from the backend (default from config)")
	return cmd
}

func newDisconnectCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tear down the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
				return c.Post(ctx, "disconnect", nil)
			})
			if err != nil {
				return err
			}
			return done(o, cmd, resp)
		},
	}
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
				return c.Get(ctx, "status", nil)
			})
			if err != nil {
				return err
			}
			return show(o, cmd, resp, func(st vpn.Status) string {
				return renderStatus(st, time.Now())
			})
		},
	}
}

// post returns a RunE that posts body to path and prints the outcome.
func post(o *options, path string, body func(args []string) any) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var payload any
		if body != nil {
			payload = body(args)
		}
		resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
			return c.Post(ctx, path, payload)
		})
		if err != nil {
			return err
		}
		return done(o, cmd, resp)
	}
}

func newKillSwitchCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "killswitch",
		Aliases: []string{"ks"},
		Short:   "Block traffic outside the tunnel",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Enable the kill switch",
			Args:  cobra.NoArgs,
			RunE:  post(o, "killswitch/enable", nil),
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the kill switch",
			Args:  cobra.NoArgs,
			RunE:  post(o, "killswitch/disable", nil),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the kill switch is enabled",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
					return c.Get(ctx, "killswitch/status", nil)
				})
				if err != nil {
					return err
				}
				return show(o, cmd, resp, func(enabled bool) string {
					return "Kill switch: " + onOff(enabled) + "\n"
				})
			},
		},
	)
	return cmd
}

func newSplitCommand(o *options) *cobra.Command {
	domain := func(args []string) any { return api.DomainRequest{Domain: args[0]} }
	app := func(args []string) any { return api.AppRequest{Path: args[0]} }

	cmd := &cobra.Command{
		Use:     "split",
		Aliases: []string{"splittunnel"},
		Short:   "Route chosen domains around the tunnel",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Install bypass routes for the configured domains",
			Args:  cobra.NoArgs,
			RunE:  post(o, "splittunnel/enable", nil),
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Remove all bypass routes",
			Args:  cobra.NoArgs,
			RunE:  post(o, "splittunnel/disable", nil),
		},
		&cobra.Command{
			Use:   "add-domain <domain>",
			Short: "Send a domain outside the tunnel",
			Args:  cobra.ExactArgs(1),
			RunE:  post(o, "splittunnel/add-domain", domain),
		},
		&cobra.Command{
			Use:   "remove-domain <domain>",
			Short: "Stop bypassing a domain",
			Args:  cobra.ExactArgs(1),
			RunE:  post(o, "splittunnel/remove-domain", domain),
		},
		&cobra.Command{
			Use:   "add-app <path>",
			Short: "Record an application that must only use the tunnel",
			Args:  cobra.ExactArgs(1),
			RunE:  post(o, "splittunnel/add-app", app),
		},
		&cobra.Command{
			Use:   "remove-app <path>",
			Short: "Forget a VPN-only application",
			Args:  cobra.ExactArgs(1),
			RunE:  post(o, "splittunnel/remove-app", app),
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the bypass list and installed routes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
					return c.Get(ctx, "splittunnel/config", nil)
				})
				if err != nil {
					return err
				}
				return show(o, cmd, resp, renderSplitTunnel)
			},
		},
	)
	return cmd
}

func newHistoryCommand(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			query := url.Values{"limit": {strconv.Itoa(limit)}}
			resp, err := o.call(cmd, requestTimeout, func(ctx context.Context, c *api.Client) (*api.Response, error) {
				return c.Get(ctx, "history", query)
			})
			if err != nil {
				return err
			}
			return show(o, cmd, resp, renderHistory)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return cmd
}

func newVersionCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s v%s\n", "vpn-core", o.info.Version)
			if o.info.BuildTime != "" && o.info.BuildTime != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", o.info.BuildTime)
				fmt.Fprintf(out, "  Commit: %s\n", o.info.Commit)
			}
		},
	}
}
