// Package common provides shared constants, types, and utilities
// used across the VPN core.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.vpncore.client"
	// AppName is the display name of the application.
	AppName = "VPN Core"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-core"
)

// File names used by the application.
const (
	ConfigFileName           = "config.yaml"
	CredentialsFileName      = ".credentials"
	LogFileName              = "vpn-core.log"
	SelectionCacheFileName   = "selection-cache.json"
	SplitTunnelFileName      = "splittunnel.json"
	SplitTunnelStateFileName = "splittunnel-state.json"
	KillSwitchBackupFileName = "killswitch-backup.json"
	KillSwitchStateFileName  = "killswitch-state.json"
	HistoryFileName          = "history.db"
	SocketFileName           = "vpn-core.sock"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time to wait for the tunnel to come up.
	ConnectionTimeout = 30 * time.Second
	// MonitorInterval is how often the health check runs.
	MonitorInterval = 5 * time.Second
	// ReconnectDelay is the delay between reconnect attempts.
	ReconnectDelay = 3 * time.Second
	// MaxReconnectAttempts bounds automatic reconnection.
	MaxReconnectAttempts = 3
	// SelectionCacheTTL is how long probe results stay valid.
	SelectionCacheTTL = time.Hour
	// PingCount is the number of round trips per latency probe.
	PingCount = 3
	// TerminateGracePeriod is how long a tunnel gets to exit after SIGTERM.
	TerminateGracePeriod = 5 * time.Second
	// BackendTimeout bounds a single backend request.
	BackendTimeout = 15 * time.Second
)

// Tunnel defaults.
const (
	// DefaultTunnelBinary is the external tunnel program.
	DefaultTunnelBinary = "openvpn"
	// DefaultSuccessMarker is printed by the tunnel once traffic can flow.
	DefaultSuccessMarker = "Initialization Sequence Completed"
	// DefaultInterface is the tunnel device name requested from the binary.
	DefaultInterface = "tun0"
	// DefaultConnectionType is the configuration mode requested from the backend.
	DefaultConnectionType = "udp"
	// DefaultElevationCommand runs the tunnel helper with root privileges.
	DefaultElevationCommand = "pkexec"
)

// Connection status values reported to the backend.
const (
	RemoteStatusConnected    = "connected"
	RemoteStatusDisconnected = "disconnected"
)
