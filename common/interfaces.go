// Package common provides shared constants, types, and utilities
// used across tunnelctl.
package common

// KeyStore defines the interface for device key storage.
// Implementations may use system keyring, encrypted files, etc.
type KeyStore interface {
	// Store saves a secret under name.
	Store(name, secret string) error
	// Get retrieves the secret stored under name.
	Get(name string) (string, error)
	// Delete removes the secret stored under name.
	Delete(name string) error
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
