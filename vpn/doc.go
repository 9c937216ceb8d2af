// Package vpn provides the running tunnelctl application.
//
// This package wires the long-lived components around the connection
// controller:
//
//   - App: builds the daemon backend, server directory, database, cooldown
//     list and controller from a config.Config and owns their lifecycle
//   - Favorites: named locations persisted as YAML next to the config
//   - Task queue: every user action runs as a tasks.Queue task, so a server
//     list refresh can cancel queued work built on the old list
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. The CLI calls App.Activate with a location
//  2. App queues the activation; the controller picks servers and ports
//  3. The controller sends one hop per server to the daemon and waits for
//     the handshake, retrying on other ports and servers
//  4. Notifications flow back through App, which logs them, records
//     finished sessions and forwards them to subscribers
//
// # Thread Safety
//
// App and Favorites are safe for concurrent use. Controller state is only
// touched by the controller's own goroutine.
package vpn
