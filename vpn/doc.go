// Package vpn provides VPN connection management for the VPN core.
//
// # Architecture
//
// The package is organized around three main types:
//
//   - Manager: owns the single tunnel session and its state machine
//   - Launcher: starts the tunnel binary, directly or through the
//     privileged helper, and confirms that it came up
//   - Service: exposes every control operation as a common.Result
//
// # Connection Flow
//
//  1. The server is taken from the backend list, by ID or through the selector
//  2. Its configuration is fetched and written to the work directory
//  3. The launcher starts the tunnel and waits for confirmation
//  4. The monitor watches the session and reconnects when it breaks
//  5. Kill switch and split tunneling are applied when configured
//
// # Elevated Launch
//
// When the tunnel needs root, the launcher runs this binary's hidden
// tunnel-helper command through pkexec. The helper reports progress in a
// status file and stops the tunnel when its stdin is closed. A launch is
// successful only once the helper has written the connected state.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package vpn
