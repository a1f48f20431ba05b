package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinji-kodama/pm2-http-proxy/internal/config"
	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/metrics"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
	"github.com/shinji-kodama/pm2-http-proxy/internal/proxy"
)

// addCommonFlags registers the flags both modes accept and binds them to
// v under their configuration keys.
func addCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.StringP("port", "p", "8080", "Port to listen")
	f.String("host", "", "Address to listen on (all interfaces when empty)")
	f.StringP("range", "r", "8801,9000", "Port range for available ports requests (low,high)")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", config.LogFormatConsole, "Log format: console or json")
	f.String("metrics-listen", "", "Serve Prometheus metrics on this address (host:port)")

	bindFlags(cmd, v, map[string]string{
		"port":           "port",
		"host":           "host",
		"range":          "range",
		"log.level":      "log-level",
		"log.format":     "log-format",
		"metrics.listen": "metrics-listen",
	})
}

// bindFlags binds configuration keys to flags of cmd.
func bindFlags(cmd *cobra.Command, v *viper.Viper, keys map[string]string) {
	for key, flag := range keys {
		// Lookup cannot fail: every flag is registered just before.
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

// loadConfig resolves and validates the configuration of cmd.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	jsonErrors = cfg.Log.Format == config.LogFormatJSON
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds what both modes share: the event bus and its sinks.
type app struct {
	cfg       *config.Config
	bus       *event.Bus
	registry  *prometheus.Registry
	collector *metrics.Collector
}

// newApp creates the event bus, logs every event to logOut and, when
// metrics are enabled, counts them.
func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := event.NewLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, model.Wrap(err, model.KindConfig, "invalid log settings", nil)
	}

	a := &app{cfg: cfg, bus: event.NewBus()}
	a.bus.Subscribe(event.NewLogObserver(logger))

	if cfg.Metrics.Listen != "" {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.collector = metrics.NewCollector(a.registry)
		a.bus.Subscribe(a.collector)
	}
	return a, nil
}

// run serves srv until SIGINT/SIGTERM or a fatal error, then runs cleanup.
func (a *app) run(ctx context.Context, srv *proxy.Server, cleanup func() error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.registry != nil {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Listen, a.registry); err != nil {
				a.bus.Emit(event.Failure(event.TypeError, model.Wrap(err, "", "", nil)))
			}
		}()
	}

	err := srv.ListenAndServe(ctx, a.cfg.ListenAddr())
	if cleanup != nil {
		if cerr := cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
