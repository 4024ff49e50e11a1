// Package cmd implements the command-line interface for the strand fabric.
// It provides a hierarchical command structure with one subcommand per node
// role.
//
// The package is organized into several subpackages:
//
//   - edge: Run a primary node (client termination, cache, sessions)
//   - relay: Run a secondary node (tunnel termination, cache, rpc services)
//   - origin: Run the demo echo origin connector
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See strand -help for a list of all commands.
package cmd
