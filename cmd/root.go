package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/filbeam/gateway/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "filbeam-gateway",
	Short: "Pay-metered retrieval gateway for Filecoin pieces",
	Long:  "Serves piece and IPFS-root retrievals from storage providers behind an authorization cascade, an x402 payment gate and egress metering.",
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
