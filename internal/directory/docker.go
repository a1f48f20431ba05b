package directory

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// defaultPingTimeout bounds the daemon health check made by Connect.
// Docker Desktop on macOS can take a few seconds to answer.
const defaultPingTimeout = 5 * time.Second

// dockerAPI is the part of the Docker SDK client the backend uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

// DockerBackend treats running Docker containers as managed processes. A
// container's environment variables carry the same DOMAIN, PORT and
// HOSTNAME_TO_PORT metadata a pm2 process would.
type DockerBackend struct {
	// Host is the daemon address. When empty, DOCKER_HOST is used, then the
	// platform's default socket.
	Host string

	// Label, when set, restricts the listing to containers carrying it
	// ("key" or "key=value").
	Label string

	dial func(host string) (dockerAPI, error)

	mu  sync.Mutex
	api dockerAPI
}

// Name implements Backend.
func (b *DockerBackend) Name() string { return "docker" }

// Connect creates an SDK client and pings the daemon.
func (b *DockerBackend) Connect(ctx context.Context) error {
	host, err := b.host()
	if err != nil {
		return err
	}

	dial := b.dial
	if dial == nil {
		dial = newDockerAPI
	}
	api, err := dial(host)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if _, err := api.Ping(pingCtx); err != nil {
		_ = api.Close()
		return fmt.Errorf("Docker daemon at %s is not responding: %w", host, err)
	}

	b.mu.Lock()
	b.api = api
	b.mu.Unlock()
	return nil
}

// List returns one record per running container.
func (b *DockerBackend) List(ctx context.Context) ([]model.ProcessRecord, error) {
	b.mu.Lock()
	api := b.api
	b.mu.Unlock()
	if api == nil {
		return nil, fmt.Errorf("Docker backend is not connected")
	}

	opts := container.ListOptions{}
	if b.Label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", b.Label))
	}

	containers, err := api.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list Docker containers: %w", err)
	}

	records := make([]model.ProcessRecord, 0, len(containers))
	for _, c := range containers {
		info, err := api.ContainerInspect(ctx, c.ID)
		if err != nil {
			// The container may have been removed since the listing.
			if client.IsErrNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to inspect container %s: %w", c.ID, err)
		}
		records = append(records, inspectToRecord(c.ID, info))
	}
	return records, nil
}

// Disconnect closes the SDK client.
func (b *DockerBackend) Disconnect() error {
	b.mu.Lock()
	api := b.api
	b.api = nil
	b.mu.Unlock()

	if api == nil {
		return nil
	}
	return api.Close()
}

func (b *DockerBackend) host() (string, error) {
	if b.Host != "" {
		return b.Host, nil
	}
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h, nil
	}
	return detectDockerHost()
}

func newDockerAPI(host string) (dockerAPI, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client for host %q: %w", host, err)
	}
	return c, nil
}

// inspectToRecord maps an inspected container to a ProcessRecord. The
// container ID is the manager id; the leading "/" Docker puts on names is
// dropped.
func inspectToRecord(id string, info container.InspectResponse) model.ProcessRecord {
	rec := model.ProcessRecord{ManagerID: id}
	if info.ContainerJSONBase != nil {
		rec.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			rec.PID = info.State.Pid
			rec.Status = string(info.State.Status)
		}
	}
	if info.Config != nil {
		rec.Env = parseEnv(info.Config.Env)
	} else {
		rec.Env = map[string]string{}
	}
	return rec
}

// parseEnv turns "KEY=value" entries into a map. Entries without "=" are
// skipped; later entries win.
func parseEnv(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// detectDockerHost returns the first Docker socket found at the platform's
// usual locations.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{"/var/run/docker.sock"})

	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, home+"/.docker/run/docker.sock")
		}
		return detectUnixSocket(paths)

	case "windows":
		// os.Stat does not work on named pipes, so dial briefly instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of: %v", paths)
}
