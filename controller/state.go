// Package controller implements the connection state machine. It turns
// activation requests into ordered hop plans, drives a daemon.Backend,
// retries failed handshakes and reports progress as Notification values.
package controller

import (
	"time"

	"github.com/yllada/tunnelctl/servers"
)

// State is the controller lifecycle phase.
type State int

const (
	StateInitializing State = iota
	StateOff
	StateCheckSubscription
	StateConnecting
	StateConfirming
	StateOn
	StateDisconnecting
	StateSwitching
	StateSilentSwitching
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateOff:
		return "Off"
	case StateCheckSubscription:
		return "CheckSubscription"
	case StateConnecting:
		return "Connecting"
	case StateConfirming:
		return "Confirming"
	case StateOn:
		return "On"
	case StateDisconnecting:
		return "Disconnecting"
	case StateSwitching:
		return "Switching"
	case StateSilentSwitching:
		return "SilentSwitching"
	default:
		return "Unknown"
	}
}

// NextStep is work deferred until the daemon reports disconnected.
type NextStep int

const (
	NextNone NextStep = iota
	NextQuit
	NextUpdate
	NextLogout
	NextBackendFailure
	NextServerUnavailable
)

// String returns the step name.
func (n NextStep) String() string {
	switch n {
	case NextNone:
		return "None"
	case NextQuit:
		return "Quit"
	case NextUpdate:
		return "Update"
	case NextLogout:
		return "Logout"
	case NextBackendFailure:
		return "BackendFailure"
	case NextServerUnavailable:
		return "ServerUnavailable"
	default:
		return "Unknown"
	}
}

// SelectionPolicy controls whether activation reuses the servers chosen
// last time.
type SelectionPolicy int

const (
	DoNotRandomize SelectionPolicy = iota
	Randomize
)

// Notification is something the controller reports to subscribers.
type Notification interface {
	isNotification()
}

// StateChanged is sent on every transition.
type StateChanged struct {
	From, To State
	Retries  int
	// ConnectedAt is set while On.
	ConnectedAt time.Time
	Location    servers.Location
}

// RetryChanged reports the handshake retry counter.
type RetryChanged struct {
	Retries int
}

// HandshakeFailed names the server that did not answer in time.
type HandshakeFailed struct {
	PublicKey string
}

// ServerUnavailable ends an activation whose retries ran out.
// PingReceived tells "server down" from "no network".
type ServerUnavailable struct {
	PingReceived bool
}

// ReadyToQuit, ReadyToUpdate, ReadyToLogout and ReadyToBackendFailure
// report that the tunnel is down and the deferred step may proceed.
type (
	ReadyToQuit           struct{}
	ReadyToUpdate         struct{}
	ReadyToLogout         struct{}
	ReadyToBackendFailure struct{}
)

// ActivationBlockedForCaptivePortal is sent when activation is refused
// because a captive portal was detected.
type ActivationBlockedForCaptivePortal struct{}

// DisconnectInConfirming reports whether the UI may offer "disconnect"
// while still confirming.
type DisconnectInConfirming struct {
	Enabled bool
}

// ControllerFailed reports a fatal transport error.
type ControllerFailed struct {
	Err error
}

// HealthChanged reports a new tunnel health reading.
type HealthChanged struct {
	Health Health
}

func (StateChanged) isNotification()                      {}
func (RetryChanged) isNotification()                      {}
func (HandshakeFailed) isNotification()                   {}
func (ServerUnavailable) isNotification()                 {}
func (ReadyToQuit) isNotification()                       {}
func (ReadyToUpdate) isNotification()                     {}
func (ReadyToLogout) isNotification()                     {}
func (ReadyToBackendFailure) isNotification()             {}
func (ActivationBlockedForCaptivePortal) isNotification() {}
func (DisconnectInConfirming) isNotification()            {}
func (ControllerFailed) isNotification()                  {}
func (HealthChanged) isNotification()                     {}
