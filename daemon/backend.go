// Package daemon provides the client side of the privileged tunnel daemon
// protocol.
//
// The controller talks to the daemon only through the Backend interface.
// Concrete backends are chosen at startup by configuration:
//
//   - LocalSocket: newline-delimited JSON over a Unix domain socket
//   - DBus: the same operations exposed as D-Bus methods and signals
//   - Fake: an in-process daemon for tests and demos
//
// Every backend owns its connection. Results the daemon reports
// asynchronously (hop connected, disconnected, status, failures) are
// delivered as Event values on the channel returned by Events.
package daemon

import (
	"context"
	"time"

	"github.com/yllada/tunnelctl/cidr"
)

// Reason tells the backend why an activation or deactivation happens.
type Reason int

const (
	// ReasonNone is a plain user request.
	ReasonNone Reason = iota
	// ReasonSwitching replaces the server without a visible disconnect.
	ReasonSwitching
	// ReasonConfirming re-sends a hop during the retry loop.
	ReasonConfirming
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonSwitching:
		return "Switching"
	case ReasonConfirming:
		return "Confirming"
	default:
		return "Unknown"
	}
}

// HopType is the role of a hop in an activation plan.
type HopType int

const (
	SingleHop HopType = iota
	MultiHopEntry
	MultiHopExit
)

// String returns the name the daemon expects in "hopType".
func (h HopType) String() string {
	switch h {
	case SingleHop:
		return "SingleHop"
	case MultiHopEntry:
		return "MultiHopEntry"
	case MultiHopExit:
		return "MultiHopExit"
	default:
		return "Unknown"
	}
}

// HopConfig is one tunnel peer configuration. Index 0 is the exit (inner)
// hop; in a multihop plan the entry hop has index 1.
type HopConfig struct {
	Type     HopType
	HopIndex int

	PrivateKey        string
	DeviceIPv4Address string
	DeviceIPv6Address string

	ServerPublicKey   string
	ServerIPv4AddrIn  string
	ServerIPv6AddrIn  string
	ServerIPv4Gateway string
	ServerIPv6Gateway string
	ServerPort        int
	DNSServer         string

	AllowedIPs        []cidr.Block
	ExcludedAddresses []string
	DisabledApps      []string
}

// Status is the tunnel status reported by the daemon.
type Status struct {
	ServerIPv4Gateway string
	DeviceIPv4Address string
	TxBytes           uint64
	RxBytes           uint64
}

// Backend is the capability interface the controller drives.
type Backend interface {
	// Initialize connects to the daemon. The outcome arrives later as an
	// Initialized event carrying whether a tunnel is already up.
	Initialize(ctx context.Context) error
	// Activate sends one hop.
	Activate(ctx context.Context, hop HopConfig, reason Reason) error
	// Deactivate tears hops down, inner hop first. A Disconnected event
	// follows.
	Deactivate(ctx context.Context, hops []HopConfig, reason Reason) error
	// CheckStatus asks for a status report, answered by a StatusUpdated
	// event.
	CheckStatus(ctx context.Context) error
	// BackendLogs fetches the daemon log.
	BackendLogs(ctx context.Context) (string, error)
	// CleanupLogs truncates the daemon log.
	CleanupLogs(ctx context.Context) error
	// Events delivers daemon notifications.
	Events() <-chan Event
	// MultihopSupported reports whether the daemon chains hops itself.
	MultihopSupported() bool
	// Close releases the connection.
	Close() error
}

// Event is a notification from the daemon.
type Event interface {
	isEvent()
}

// Initialized resolves Initialize.
type Initialized struct {
	OK        bool
	Connected bool
	Since     time.Time
}

// Connected reports a hop handshake.
type Connected struct {
	PublicKey string
	// HopIndex is -1 when the daemon did not say.
	HopIndex int
}

// Disconnected reports that every hop is down.
type Disconnected struct{}

// StatusUpdated answers CheckStatus.
type StatusUpdated struct {
	Status Status
}

// BackendFailure reports that the daemon could not program the interface.
type BackendFailure struct{}

// TransportError reports that the daemon connection broke.
type TransportError struct {
	Err error
}

func (Initialized) isEvent()    {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (StatusUpdated) isEvent()  {}
func (BackendFailure) isEvent() {}
func (TransportError) isEvent() {}

// ConnState is the lifecycle of a backend connection.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateInitializing
	StateReady
	StateDisconnected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
