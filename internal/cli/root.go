// Package cli implements the cobra commands of pm2-http-proxy.
//
// Two commands run the proxy in its two modes:
//
//   - serve routes each domain to the process that declares it in its
//     environment (pm2 or Docker), booking a port from the discovery range
//     for domains nobody claims.
//   - static routes sub-domains of one base domain from a routes file.
//
// This file defines the root command and translates errors into process
// exit codes.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// jsonErrors makes Execute print errors as JSON. It follows --log-format.
var jsonErrors bool

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pm2-http-proxy",
		Short: "HTTP proxy routing requests to local pm2 http services",
		Long: `pm2-http-proxy is a reverse proxy for HTTP and WebSocket traffic that
routes each request by its Host header to a service running on this machine.

The target port is looked up at request time in the environment of the
processes managed by pm2 (DOMAIN and PORT, or HOSTNAME_TO_PORT), so services
can be started and moved without touching the proxy configuration.`,

		// Errors are printed by Execute in the selected format.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	// Flag parse failures are usage errors, reported like invalid
	// configuration. Subcommands inherit this function.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return model.WrapCLIError(model.ExitConfigInvalid, "invalid flags for "+cmd.CommandPath(), err)
	})

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewStaticCommand())

	return rootCmd
}

// Execute runs rootCmd and exits the process with the code matching the
// returned error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err, jsonErrors)
		os.Exit(int(ExitCodeFor(err)))
	}
}

// ExitCodeFor maps an error to the process exit code. CLIError values carry
// their own code; bind and configuration failures have dedicated codes.
func ExitCodeFor(err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}

	switch {
	case errors.Is(err, model.ErrBind):
		return model.ExitBindFailed
	case errors.Is(err, model.ErrConfig):
		return model.ExitConfigInvalid
	default:
		return model.ExitGeneralError
	}
}

// noArgs rejects positional arguments with an ExitConfigInvalid CLIError.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return model.NewCLIError(model.ExitConfigInvalid,
			fmt.Sprintf("unknown argument %q for %q", args[0], cmd.CommandPath()))
	}
	return nil
}

// printError writes err to w as "Error: ..." text or as a JSON object.
func printError(w io.Writer, err error, asJSON bool) {
	if !asJSON {
		fmt.Fprintf(w, "Error: %s\n", err)
		return
	}

	detail := map[string]any{"message": err.Error()}
	var merr *model.Error
	if errors.As(err, &merr) {
		detail["kind"] = string(merr.Kind)
		if len(merr.Data) > 0 {
			detail["data"] = merr.Data
		}
	}
	data, _ := json.MarshalIndent(map[string]any{"error": detail}, "", "  ")
	fmt.Fprintln(w, string(data))
}
