package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/vpn"
)

// helperFlags mirror vpn.HelperArgs.
type helperFlags struct {
	statusFile string
	binary     string
	configPath string
	device     string
	marker     string
	timeout    time.Duration
	grace      time.Duration
}

func (f *helperFlags) spec(args []string) vpn.LaunchSpec {
	return vpn.LaunchSpec{
		Binary:        f.binary,
		Args:          args,
		ConfigPath:    f.configPath,
		Interface:     f.device,
		SuccessMarker: f.marker,
		Timeout:       f.timeout,
		Grace:         f.grace,
	}
}

// newHelperCommand is the privileged side of the elevated launcher. It
// runs as root, so it reads no user configuration and logs to stderr only.
func newHelperCommand() *cobra.Command {
	var f helperFlags
	cmd := &cobra.Command{
		Use:    vpn.HelperCommand,
		Short:  "Run the tunnel on behalf of the daemon (internal)",
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return common.InitLogger(common.LogConfig{Level: common.LevelInfo})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return vpn.RunHelper(cmd.Context(), vpn.HelperOptions{
				StatusFile: f.statusFile,
				Spec:       f.spec(args),
				Stdin:      os.Stdin,
				Stdout:     cmd.OutOrStdout(),
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.statusFile, "status-file", "", "file receiving progress reports")
	flags.StringVar(&f.binary, "binary", common.DefaultTunnelBinary, "tunnel program")
	flags.StringVar(&f.configPath, "config", "", "tunnel configuration file")
	flags.StringVar(&f.device, "dev", common.DefaultInterface, "tunnel interface")
	flags.StringVar(&f.marker, "marker", common.DefaultSuccessMarker, "output line confirming the tunnel is up")
	flags.DurationVar(&f.timeout, "timeout", common.ConnectionTimeout, "time allowed for confirmation")
	flags.DurationVar(&f.grace, "grace", common.TerminateGracePeriod, "time between SIGTERM and SIGKILL")
	cmd.MarkFlagRequired("status-file")
	cmd.MarkFlagRequired("config")
	return cmd
}
