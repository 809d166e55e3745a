// cmd/serve_fake.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/config"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/realtimetest"
)

var serveFakeCmd = &cobra.Command{
	Use:   "serve-fake",
	Short: "Run a local realtime server for development",
	Long: `Runs an in-process server that speaks the Realtime protocol. It supports
broadcast, presence and postgres_changes subscriptions but has no database;
it is meant for trying the client locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		var cfg realtimetest.Config
		if err := config.ParseEnv(&cfg); err != nil {
			return err
		}
		if secret, _ := cmd.Flags().GetString("jwt-secret"); secret != "" {
			cfg.JWTSecret = secret
		}
		if key, _ := cmd.Flags().GetString("api-key"); key != "" {
			cfg.APIKey = key
		}

		srv := realtimetest.NewServer(cfg, realtimetest.WithTelemetry(telemetry))
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpSrv.ListenAndServe()
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Fake realtime server on %s\n", addr)
		fmt.Fprintf(cmd.OutOrStdout(), "  Endpoint: %s\n", realtimetest.Endpoint("http://"+addr))

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}

		log.Info("shutting down fake server")
		srv.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveFakeCmd)
	serveFakeCmd.Flags().String("addr", "127.0.0.1:4000", "Address to listen on")
	serveFakeCmd.Flags().String("jwt-secret", "", "HS256 secret for access tokens (env SBREALTIME_FAKE_JWT_SECRET)")
	serveFakeCmd.Flags().String("api-key", "", "Required apikey query parameter (env SBREALTIME_FAKE_API_KEY)")
}
