// Package common provides shared constants, types, utilities, and interfaces
// used throughout tunnelctl.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: controller timings, daemon paths, file names
//   - Errors: Sentinel errors and the ControllerError transport failure
//   - Interfaces: Abstractions for key storage and logging
//   - Logger: Leveled logging with component tags and file rotation
//   - Utils: Config and data directory helpers
//
// # Usage
//
//	import "github.com/yllada/tunnelctl/common"
//
//	log := common.GetLogger().Named("controller")
//	log.Info("State changed to %s", state)
//
//	if errors.Is(err, common.ErrTransport) {
//	    // the daemon went away
//	}
package common
