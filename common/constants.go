// Package common provides shared constants, types, and utilities
// used across tunnelctl.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "io.tunnelctl"
	// AppName is the display name of the application.
	AppName = "tunnelctl"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "tunnelctl"
)

// File names used by the application.
const (
	ServersFileName   = "servers.yaml"
	ConfigFileName    = "config.yaml"
	EnvFileName       = ".env"
	KeysFileName      = ".keys"
	FavoritesFileName = "favorites.yaml"
	DatabaseName      = "tunnelctl.db"
	LogFileName       = "tunnelctl.log"
)

// Controller timing defaults.
const (
	// HandshakeTimeout is how long a hop may take to report connected.
	HandshakeTimeout = 15 * time.Second
	// ConfirmingGrace is how long Confirming lasts before disconnect is offered.
	ConfirmingGrace = 10 * time.Second
	// ServerCooldown keeps an unresponsive server out of selection.
	ServerCooldown = 300 * time.Second
	// MaxConnectionRetries bounds the handshake retry loop.
	MaxConnectionRetries = 9
	// CanaryTimeout bounds the out-of-band ping.
	CanaryTimeout = 10 * time.Second
	// SettleTimeout bounds how long a connection change may hold the
	// task queue: every retry plus the subscription check.
	SettleTimeout = 3 * time.Minute
)

// Daemon transport defaults.
const (
	// DaemonSocketPath is where the privileged daemon listens.
	DaemonSocketPath = "/var/run/tunnelctl/daemon.socket"
	// DaemonSocketFallback is tried when DaemonSocketPath does not exist.
	DaemonSocketFallback = "/tmp/tunnelctl.socket"
	// DaemonBusName is the D-Bus name of the daemon.
	DaemonBusName = "io.tunnelctl.Daemon"
	// DaemonResponseTimeout bounds status and cleanlogs round-trips.
	DaemonResponseTimeout = 5 * time.Second
	// ReconnectMinDelay and ReconnectMaxDelay bound daemon reconnect backoff.
	ReconnectMinDelay = 500 * time.Millisecond
	ReconnectMaxDelay = 16 * time.Second
)

// Port used when a network only lets DNS traffic out.
const DNSPort = 53

// ProxyRange is the provider's in-tunnel proxy network, always routed.
const ProxyRange = "10.124.0.0/20"

// Backend names accepted in the configuration.
const (
	BackendLocalSocket = "localsocket"
	BackendDBus        = "dbus"
	BackendFake        = "fake"
)
