package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment keys read from a process record to find the domain it serves.
const (
	// EnvDomain holds a single domain name served by the process.
	EnvDomain = "DOMAIN"

	// EnvPort holds the port the process listens on for EnvDomain.
	EnvPort = "PORT"

	// EnvHostnameToPort holds a composite mapping in the form
	// "host1:port1,host2:port2".
	EnvHostnameToPort = "HOSTNAME_TO_PORT"
)

// ProcessRecord is one entry of the process manager's process list.
// Records are read-only snapshots; nothing derived from Env is stored back
// onto the record.
type ProcessRecord struct {
	// Name is the process name as registered in the process manager.
	Name string `json:"name"`

	// PID is the operating system process id (0 when not running).
	PID int `json:"pid"`

	// ManagerID is the id assigned by the process manager (pm2 id,
	// container id).
	ManagerID string `json:"managerId"`

	// Status is the process manager's status string ("online", "running", ...).
	Status string `json:"status"`

	// Env holds the process environment as reported by the manager.
	Env map[string]string `json:"env"`
}

// minPort and maxPort bound valid TCP port numbers.
const (
	minPort = 1
	maxPort = 65535
)

// PortRange is an inclusive [Low, High] interval of TCP ports.
type PortRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// DefaultPortRange is the discovery range used when none is configured.
var DefaultPortRange = PortRange{Low: 8801, High: 9000}

// Normalize returns the range with its bounds in ascending order.
func (r PortRange) Normalize() PortRange {
	if r.Low > r.High {
		return PortRange{Low: r.High, High: r.Low}
	}
	return r
}

// Size returns the number of ports in the (normalized) range.
func (r PortRange) Size() int {
	n := r.Normalize()
	return n.High - n.Low + 1
}

// Contains reports whether port lies within the (normalized) range.
func (r PortRange) Contains(port int) bool {
	n := r.Normalize()
	return port >= n.Low && port <= n.High
}

// String renders the range as "low-high".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// ParsePortRange parses "low,high" or "low-high" into a PortRange.
// Reversed bounds are accepted and normalized.
func ParsePortRange(s string) (PortRange, error) {
	sep := ","
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	parts := strings.Split(strings.TrimSpace(s), sep)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("invalid port range %q: expected \"low,high\" or \"low-high\"", s)
	}

	low, err := ParsePort(parts[0])
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	high, err := ParsePort(parts[1])
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}

	return PortRange{Low: low, High: high}.Normalize(), nil
}

// ParsePort parses a decimal TCP port number (1-65535).
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port should be an integer (got %q)", s)
	}
	if port < minPort || port > maxPort {
		return 0, fmt.Errorf("port %d out of range (%d-%d)", port, minPort, maxPort)
	}
	return port, nil
}

// Booking is a time-bounded reservation of a port for a domain. A booking is
// independent of whether anything is actually listening on the port yet.
type Booking struct {
	Domain    string    `json:"domain"`
	Port      int       `json:"port"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExitCode defines the process exit codes of the pm2-http-proxy binary.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitBindFailed indicates the listening socket could not be bound
	// (address in use, permission denied).
	ExitBindFailed ExitCode = 2

	// ExitConfigInvalid indicates the flags, environment or config file
	// could not be turned into a valid configuration.
	ExitConfigInvalid ExitCode = 3
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
