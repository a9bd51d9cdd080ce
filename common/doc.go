// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN core.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide defaults such as probe counts, health-check
//     intervals, reconnect delays, and persisted file names
//   - Errors: Sentinel errors for the whole error taxonomy, checked with errors.Is
//   - Interfaces: The structured Result returned over the control socket, plus token
//     storage, notification, and logging abstractions
//   - Logger: Leveled logging with file rotation and line observers
//   - Utils: Config directory helpers and atomic JSON persistence
//
// # Usage
//
//	timeout := common.ConnectionTimeout
//
//	common.LogInfo("Connecting to %s", server.Name)
//
//	if errors.Is(err, common.ErrNoServersAvailable) {
//	    // nothing to fall back to
//	}
package common
