package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minebridge/bridgebot/internal/bootstrap"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the game server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			status, err := svc.Game.FetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(svc.Game.FormatStatus(status))
			return nil
		},
	}
}
