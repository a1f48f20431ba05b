package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinji-kodama/pm2-http-proxy/internal/config"
	"github.com/shinji-kodama/pm2-http-proxy/internal/directory"
	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/port"
	"github.com/shinji-kodama/pm2-http-proxy/internal/proxy"
	"github.com/shinji-kodama/pm2-http-proxy/internal/resolver"
)

// NewServeCommand creates the "serve" command.
func NewServeCommand() *cobra.Command {
	cmd, _ := newServeCommand()
	return cmd
}

// newServeCommand also returns the viper instance the flags are bound to.
func newServeCommand() (*cobra.Command, *viper.Viper) {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Route requests to the processes declaring each domain",
		Long: `Run the proxy in process-manager mode.

Each request is routed by its Host header. The proxy lists the managed
processes and picks the first one whose environment declares the domain,
either with DOMAIN=<domain> and PORT=<port>, or with
HOSTNAME_TO_PORT=<host>:<port>[,<host>:<port>...]. Domains no process
declares get a free port booked from --range for five minutes; a process
started for that domain can ask for it with GET /port/<domain> from this
machine.

Examples:
  pm2-http-proxy serve --port 80
  pm2-http-proxy serve --backend docker --docker-label pm2-proxy.enable
  PM2_PROXY_RANGE=9000,9100 pm2-http-proxy serve`,

		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stack, err := buildServeStack(cfg, a.bus)
			if err != nil {
				return err
			}
			if a.collector != nil {
				a.collector.TrackBookings(stack.ledger)
			}
			return a.run(cmd.Context(), stack.server, stack.close)
		},
	}

	addCommonFlags(cmd, v)
	f := cmd.Flags()
	f.String("backend", config.BackendPM2, "Process directory: pm2 or docker")
	f.String("scanner", config.ScannerNetstat, "Listening socket source: netstat or procfs")
	f.String("pm2-bin", directory.DefaultPM2Bin, "pm2 executable")
	f.String("docker-host", "", "Docker daemon address (DOCKER_HOST, then the default socket, when empty)")
	f.String("docker-label", "", "Only consider containers with this label (key or key=value)")
	bindFlags(cmd, v, map[string]string{
		"backend":      "backend",
		"scanner":      "scanner",
		"pm2.bin":      "pm2-bin",
		"docker.host":  "docker-host",
		"docker.label": "docker-label",
	})

	return cmd, v
}

// serveStack is the component graph of process-manager mode.
type serveStack struct {
	server    *proxy.Server
	resolver  *resolver.Resolver
	ledger    *port.Ledger
	directory *directory.Client
}

// buildServeStack wires dispatcher, resolver, directory client, ledger and
// scanner together. Nothing is started.
func buildServeStack(cfg *config.Config, bus *event.Bus) (*serveStack, error) {
	rng, err := cfg.PortRange()
	if err != nil {
		return nil, err
	}

	scanner := port.NewScanner(newSocketTable(cfg), port.WithScannerEmitter(bus))
	ledger := port.NewLedger(scanner, port.WithLedgerEmitter(bus))
	dir := directory.NewClient(newBackend(cfg), directory.WithEmitter(bus))
	res := resolver.New(dir, ledger, resolver.WithEmitter(bus))
	srv := proxy.New(res,
		proxy.WithRange(rng),
		proxy.WithEmitter(bus),
		proxy.WithRequestLog(cfg.Debug()),
	)

	return &serveStack{server: srv, resolver: res, ledger: ledger, directory: dir}, nil
}

// close releases what the stack holds once the dispatcher has stopped.
func (s *serveStack) close() error {
	s.resolver.Flush()
	s.ledger.Close()
	return s.directory.Close()
}

func newBackend(cfg *config.Config) directory.Backend {
	if cfg.Backend == config.BackendDocker {
		return &directory.DockerBackend{Host: cfg.Docker.Host, Label: cfg.Docker.Label}
	}
	return &directory.PM2Backend{Bin: cfg.PM2.Bin}
}

func newSocketTable(cfg *config.Config) port.SocketTable {
	if cfg.Scanner == config.ScannerProcfs {
		return &port.ProcNetTable{}
	}
	return &port.NetstatTable{}
}
