package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minebridge/bridgebot/internal/bootstrap"
	"github.com/minebridge/bridgebot/internal/channels/discord"
	"github.com/minebridge/bridgebot/internal/channels/telegram"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant on all enabled channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Telegram.Enabled && !cfg.Discord.Enabled {
				return fmt.Errorf("no channels enabled; set TELEGRAM_ENABLED or DISCORD_ENABLED")
			}

			svc, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer svc.Stop()

			errc := make(chan error, 2)

			if cfg.Telegram.Enabled {
				ch, err := telegram.New(cfg.Telegram.BotToken, svc)
				if err != nil {
					return err
				}
				go func() { errc <- ch.Start(ctx) }()
			}
			if cfg.Discord.Enabled {
				ch, err := discord.New(cfg.Discord.BotToken, svc)
				if err != nil {
					return err
				}
				go func() { errc <- ch.Start(ctx) }()
			}

			// First channel failure (or signal) brings the process down;
			// a half-alive bot is worse than a restart.
			err = <-errc
			stop()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("shutting down")
			return nil
		},
	}
}
