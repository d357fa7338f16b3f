/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillblog/apiserver/config"
	"github.com/quillblog/apiserver/internal/logging"
	"github.com/quillblog/apiserver/internal/mq"
	"github.com/quillblog/apiserver/internal/services"
	"github.com/quillblog/apiserver/internal/storage"
	"github.com/spf13/cobra"
)

// assetsCmd represents the assets command.
var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Maintain stored cover images",
}

var assetsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete cover images reported as orphaned",
	Long: `Consumes the orphan channel and deletes every asset the API server
failed to remove. Runs until interrupted. Usage:

	quill assets reap
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.New(cfg.LogLevel, cfg.Env == "dev")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.NewFromConfig(ctx, cfg.MQ)
		if err != nil {
			return fmt.Errorf("init mq: %w", err)
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is required to reap assets")
		}
		defer broker.Close()

		assets, err := storage.NewFromConfig(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}

		reaper := services.NewAssetReaper(assets, logger)
		logger.Info().Str("channel", cfg.MQ.OrphanChannel).Msg("reaping orphaned assets")

		if err := broker.Subscribe(ctx, cfg.MQ.OrphanChannel, reaper.Handle); err != nil && ctx.Err() == nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assetsCmd)
	assetsCmd.AddCommand(assetsReapCmd)
}
