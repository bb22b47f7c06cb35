package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minebridge/bridgebot/internal/bootstrap"
)

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the knowledge-base index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			if svc.Index == nil {
				return fmt.Errorf("knowledge base is disabled (RAG_ENABLED=false)")
			}
			svc.Index.Invalidate()
			if err := svc.Index.Ensure(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Index ready: %d chunks\n", svc.Index.ChunkCount())
			return nil
		},
	}
}
