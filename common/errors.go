// Package common provides shared constants, types, and utilities
// used across tunnelctl.
package common

import "errors"

// Sentinel errors for tunnel operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Controller errors.
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrTimeout           = errors.New("operation timed out")
	ErrNoServers         = errors.New("no server available for the selected location")
	ErrServerUnavailable = errors.New("server unavailable")

	// Daemon errors.
	ErrTransport      = errors.New("daemon transport failure")
	ErrDaemonNotReady = errors.New("daemon not ready")
	ErrUnknownBackend = errors.New("unknown daemon backend")

	// Key errors.
	ErrKeyNotFound = errors.New("device key not found")
	ErrInvalidKey  = errors.New("invalid wireguard key")
	ErrEncryption  = errors.New("encryption error")
	ErrDecryption  = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
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

// ControllerError is a fatal failure of the current activation attempt,
// raised when the daemon connection breaks. It is never retried.
type ControllerError struct {
	// Op is the daemon operation that was in flight.
	Op  string
	Err error
}

// NewControllerError wraps err as a transport failure of op.
func NewControllerError(op string, err error) *ControllerError {
	if err == nil {
		err = ErrTransport
	}
	return &ControllerError{Op: op, Err: err}
}

func (e *ControllerError) Error() string {
	return "controller error during " + e.Op + ": " + e.Err.Error()
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

// Is makes every ControllerError match ErrTransport.
func (e *ControllerError) Is(target error) bool {
	return target == ErrTransport
}
