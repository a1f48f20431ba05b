// Package shell runs the external commands the proxy depends on
// (netstat, pm2) behind a replaceable Runner.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs the command with os/exec. On failure the trimmed standard error
// is appended to the returned error.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		command := strings.TrimSpace(name + " " + strings.Join(args, " "))
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", command, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return out, nil
}

// OrExec returns r, or Exec when r is nil.
func OrExec(r Runner) Runner {
	if r == nil {
		return Exec
	}
	return r
}
