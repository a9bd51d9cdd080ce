// Package common provides shared constants, types, and utilities
// used across the VPN core.
package common

// Result is the structured outcome returned by every control operation
// exposed to the UI layer. Exactly one of Message or Error is meaningful:
// Message on success, Error on failure. Warnings carry partial failures
// that did not abort the operation.
type Result struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// OK builds a successful Result.
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// Fail builds a failed Result from an error.
func Fail(err error) Result {
	if err == nil {
		return Result{Success: false}
	}
	return Result{Success: false, Error: err.Error()}
}

// WithData attaches a payload to the result.
func (r Result) WithData(data any) Result {
	r.Data = data
	return r
}

// WithWarnings appends non-fatal warnings to the result.
func (r Result) WithWarnings(warnings ...string) Result {
	r.Warnings = append(r.Warnings, warnings...)
	return r
}

// TokenStore defines the interface for the opaque backend credential.
// Implementations may use the system keyring, encrypted files, etc.
type TokenStore interface {
	// Token returns the stored bearer token.
	Token() (string, error)
	// SetToken persists a bearer token.
	SetToken(token string) error
	// ClearToken removes the stored token.
	ClearToken() error
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
