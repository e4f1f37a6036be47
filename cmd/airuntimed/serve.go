package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganeshballa0/bank-of-anthos/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (/ask, /turns, /healthz, /metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		c, err := buildAgent(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		server := api.NewServer(api.Options{
			Address:           cfg.Server.Address,
			ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
			ShutdownTimeout:   time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
			MetricsPath:       cfg.Metrics.Path,
			Agent:             c.agent,
			Verifier:          c.verifier,
			Turns:             c.turns,
			Metrics:           c.metrics,
		})
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
