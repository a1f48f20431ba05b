package cli

import (
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pm2-http-proxy/internal/config"
	"github.com/shinji-kodama/pm2-http-proxy/internal/proxy"
	"github.com/shinji-kodama/pm2-http-proxy/internal/static"
)

// NewStaticCommand creates the "static" command.
func NewStaticCommand() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "static",
		Short: "Route sub-domains to ports listed in a routes file",
		Long: `Run the proxy in static mode.

Requests for <name>.<domain> are forwarded to the port the routes file maps
<name> to. The routes file is a JSON (comments allowed) or YAML object and
is reloaded whenever it changes. Ports outside --range are refused.

Examples:
  pm2-http-proxy static --domain example.com --routes routes.json
  pm2-http-proxy static --domain example.com --routes routes.yaml --range 8800,8900`,

		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			rng, err := cfg.PortRange()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			router, err := static.NewRouter(static.Config{
				RoutesFile: cfg.Routes,
				Domain:     cfg.Domain,
				Range:      rng,
			}, a.bus)
			if err != nil {
				return err
			}
			if err := router.Watch(cmd.Context()); err != nil {
				return err
			}

			srv := proxy.New(router,
				proxy.WithEmitter(a.bus),
				proxy.WithRequestLog(cfg.Debug()),
			)
			return a.run(cmd.Context(), srv, router.Close)
		},
	}

	addCommonFlags(cmd, v)
	f := cmd.Flags()
	f.String("routes", "", "Routes file mapping sub-domains to ports (required)")
	f.String("domain", "", "Base domain handled by the proxy (required)")
	bindFlags(cmd, v, map[string]string{
		"routes": "routes",
		"domain": "domain",
	})

	return cmd
}
