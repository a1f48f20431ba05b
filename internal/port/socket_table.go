package port

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/shinji-kodama/pm2-http-proxy/internal/shell"
)

// SocketTable lists the local ports of listening TCP sockets on the host.
type SocketTable interface {
	ListeningPorts(ctx context.Context) ([]int, error)
}

// netstatLinePattern matches one socket line of `netstat -lnt` output:
// proto, recv-q, send-q, local address (port captured), foreign address, state.
var netstatLinePattern = regexp.MustCompile(`^\w+\s+\d+\s+\d+\s+\S+:(\d+)\s+\S+\s+\S+`)

// NetstatTable reads listening sockets from `netstat -lnt`
// (-l listening only, -n numeric, -t TCP only).
type NetstatTable struct {
	// Bin is the netstat binary; "netstat" when empty.
	Bin string

	// Run executes the command; shell.Exec when nil.
	Run shell.Runner
}

// ListeningPorts runs netstat and parses its output. Lines that do not match
// the socket line pattern (headers, blank lines) are ignored.
func (t NetstatTable) ListeningPorts(ctx context.Context) ([]int, error) {
	bin := t.Bin
	if bin == "" {
		bin = "netstat"
	}
	out, err := shell.OrExec(t.Run)(ctx, bin, "-lnt")
	if err != nil {
		return nil, err
	}
	return ParseNetstat(out), nil
}

// ParseNetstat extracts the local ports from `netstat -lnt` output.
func ParseNetstat(out []byte) []int {
	var ports []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		match := netstatLinePattern.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		port, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}

// DefaultProcNetPaths are the kernel socket tables read by ProcNetTable.
var DefaultProcNetPaths = []string{"/proc/net/tcp", "/proc/net/tcp6"}

// procListenState is the hex state code of a LISTEN socket in /proc/net/tcp.
const procListenState = "0A"

// ProcNetTable reads listening sockets straight from /proc/net/tcp{,6}.
type ProcNetTable struct {
	// Paths are the tables to read; DefaultProcNetPaths when empty.
	// Missing files are skipped, but at least one must be readable.
	Paths []string
}

// ListeningPorts parses every readable table and returns the local ports of
// sockets in LISTEN state.
func (t ProcNetTable) ListeningPorts(_ context.Context) ([]int, error) {
	paths := t.Paths
	if len(paths) == 0 {
		paths = DefaultProcNetPaths
	}

	var ports []int
	read := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		read++
		ports = append(ports, ParseProcNet(data)...)
	}
	if read == 0 {
		return nil, fmt.Errorf("no socket table readable at %v", paths)
	}
	return ports, nil
}

// ParseProcNet extracts the local ports of LISTEN sockets from the content
// of /proc/net/tcp or /proc/net/tcp6. The header line and malformed lines
// are ignored.
func ParseProcNet(data []byte) []int {
	var ports []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != procListenState {
			continue
		}
		// local_address is "HEXADDR:HEXPORT"
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports
}
