// Package common provides shared constants, types, and utilities
// used across the VPN core.
package common

import "errors"

// Sentinel errors for VPN operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrAlreadyConnected  = errors.New("connection already active")
	ErrNotConnected      = errors.New("no active connection")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrCancelled         = errors.New("operation cancelled")
	ErrTunnelStartFailed = errors.New("tunnel process failed to start")
	ErrTunnelUnconfirmed = errors.New("tunnel start was not confirmed")
	ErrElevationFailed   = errors.New("privilege elevation failed")
	ErrConfigFetchFailed = errors.New("failed to fetch tunnel configuration")
	ErrServerNotFound    = errors.New("server not found")
	ErrBackendRequest    = errors.New("backend request failed")
	ErrUnauthorized      = errors.New("backend rejected credentials")

	// Selection errors.
	ErrProbeFailed         = errors.New("probe failed")
	ErrLocationUnavailable = errors.New("client location unavailable")
	ErrNoServersAvailable  = errors.New("no servers available")
	ErrAlreadyTesting      = errors.New("server test already in progress")

	// Monitor errors.
	ErrAlreadyMonitoring   = errors.New("already monitoring")
	ErrAlreadyReconnecting = errors.New("reconnection already in progress")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")

	// Routing and firewall errors.
	ErrRouteInstallFailed  = errors.New("route install failed")
	ErrRuleRemovalFailed   = errors.New("rule removal failed")
	ErrUnsupportedPlatform = errors.New("operation not supported on this platform")
	ErrInvalidDomain       = errors.New("invalid domain")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
	ErrRootRequired     = errors.New("root privileges required")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
