/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/kinesisagg/pkg/api"
	"github.com/ssargent/kinesisagg/pkg/spool"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		bind     string
		port     int
		apiKey   string
		useSpool bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the kplagg HTTP API.

Endpoints:
  GET  /health
  GET  /metrics
  POST /api/v1/aggregate
  POST /api/v1/deaggregate

When an API key is configured, /api/v1 requests must carry it in the
X-API-Key header.

Examples:
  kplagg serve
  kplagg serve --bind 0.0.0.0 --port 9000 --api-key mysecretkey --spool`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("bind") {
				c.cfg.Server.Bind = bind
			}
			if flags.Changed("port") {
				c.cfg.Server.Port = port
			}
			if flags.Changed("api-key") {
				c.cfg.Server.APIKey = apiKey
			}

			var sp *spool.Spool
			if useSpool {
				var err error
				sp, err = spool.Open(c.cfg.Spool.Dir, spool.WithLogger(c.logger))
				if err != nil {
					return err
				}
				defer sp.Close()
			}

			server := api.NewServer(api.ServerConfig{
				Bind:                    c.cfg.Server.Bind,
				Port:                    c.cfg.Server.Port,
				APIKey:                  c.cfg.Server.APIKey,
				MaxBytes:                c.cfg.Aggregation.MaxBytes,
				MaxConcurrentDeliveries: c.cfg.Aggregation.MaxConcurrentDeliveries,
				VerifyChecksum:          c.cfg.Deaggregation.VerifyChecksum,
			}, c.logger, sp)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cmd.Printf("Starting kplagg API on %s\n", c.cfg.Server.Addr())
			return server.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "Address to bind server to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key required on /api/v1 requests")
	cmd.Flags().BoolVar(&useSpool, "spool", false, "Enable spooling of aggregated containers")

	return cmd
}
