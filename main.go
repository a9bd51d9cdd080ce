// Package main provides the entry point for vpn-core.
// vpn-core connects to the best server of a VPN provider, supervises the
// tunnel and reconnects it, and guards traffic with a kill switch and
// split tunneling.
//
// Features:
//   - Server selection by latency, location and load with cached results
//   - Tunnel supervision with health checks and bounded reconnection
//   - Kill switch and per-domain split tunneling
//   - Secure token storage using the system keyring
//   - A local control socket driven by the command line
//
// Usage:
//
//	vpn-core daemon
//	vpn-core connect [server-id]
//	vpn-core status
package main

import (
	"os"

	"github.com/yllada/vpn-core/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	os.Exit(cli.Execute(cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	}))
}
