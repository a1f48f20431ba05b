// Package model defines the domain types and the error model for the
// pm2-http-proxy server.
//
// This package contains pure data structures with no external dependencies.
// ProcessRecord values are snapshots produced by a process directory
// backend, PortRange describes a discovery range, and Booking is a
// time-bounded port reservation held by the booking ledger.
//
// Every component reports failures as *Error values (see errors.go), a
// chainable error carrying a machine-readable Kind and contextual Data.
// The package also defines exit codes (ExitCode) and CLIError, which the
// CLI layer uses to translate failures into OS process exit codes.
package model
