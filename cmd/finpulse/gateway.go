package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/finpulse/internal/websocket"
)

const gatewayPath = "/ws/ai"

var (
	gatewayLegacyFlag bool
	gatewayDelayFlag  time.Duration
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a local AI gateway that answers with demo data",
	Long:  `Run a development AI gateway on FINPULSE_GATEWAY_ADDR (path ` + gatewayPath + `) with a Prometheus endpoint on FINPULSE_METRICS_ADDR`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var opts []websocket.Option
			if gatewayLegacyFlag {
				opts = append(opts, websocket.WithoutRequestID())
			}
			hub := websocket.NewHub(websocket.DemoHandler(gatewayDelayFlag), opts...)

			mux := http.NewServeMux()
			mux.HandleFunc(gatewayPath, hub.HandleWebSocket)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			gatewaySrv := &http.Server{
				Addr:              a.cfg.GatewayAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			log.Info().
				Str("version", Version).
				Str("gateway", "ws://"+a.cfg.GatewayAddr+gatewayPath).
				Str("metrics", a.cfg.MetricsAddr).
				Bool("legacy", gatewayLegacyFlag).
				Msg("Starting FinPulse AI gateway")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				hub.Run(ctx)
				return nil
			})
			g.Go(func() error {
				return serveUntilDone(ctx, gatewaySrv, "AI gateway")
			})
			if a.cfg.MetricsAddr != "" {
				g.Go(func() error {
					return serveUntilDone(ctx, newMetricsServer(a.cfg.MetricsAddr), "Metrics endpoint")
				})
			}

			err := g.Wait()
			log.Info().Msg("AI gateway stopped")
			return err
		})
	},
}

func init() {
	gatewayCmd.Flags().BoolVar(&gatewayLegacyFlag, "legacy", false, "omit requestId from responses like older gateways")
	gatewayCmd.Flags().DurationVar(&gatewayDelayFlag, "delay", 500*time.Millisecond, "artificial processing delay per request")
}
