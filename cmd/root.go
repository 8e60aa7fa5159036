package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opskb",
	Short: "Organization knowledge base",
	Long:  "Extracts rules, Q&A pairs, and searchable chunks from internal documents via Claude models, stages them for review, and answers questions over the committed knowledge.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
