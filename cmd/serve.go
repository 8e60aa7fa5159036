package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/monitoring"
	"github.com/avrora-labs/opskb/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the knowledge base HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		} else {
			zap.L().Debug("OPSKB_MONITORING_WEBHOOK_URL not set, webhook alerts disabled")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := server.New(env.Store, env.Orchestrator, env.Committer, env.Answerer, env.Collector)
		return srv.ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
