// Package main is the entry point of the pm2-http-proxy binary. All
// commands live in internal/cli.
package main

import (
	"github.com/shinji-kodama/pm2-http-proxy/internal/cli"
)

// Set by the release build via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
