package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minebridge/bridgebot/internal/assemble"
	"github.com/minebridge/bridgebot/internal/bootstrap"
)

func askCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a one-off question through the full pipeline",
		Long: "Runs retrieval, context assembly and a streamed completion for a\n" +
			"single question, printing tokens to stdout as they arrive. Useful\n" +
			"for smoke-testing prompts and the knowledge base.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			question := strings.Join(args, " ")

			var enrich assemble.Enrichment
			if svc.Retriever != nil {
				kb, err := svc.Retriever.BuildContext(ctx, question, 0)
				if err != nil {
					return fmt.Errorf("knowledge base lookup: %w", err)
				}
				enrich.Retrieved = kb
			}

			ref := assemble.DirectRef("cli", "cli")
			input := svc.Assembler.Build(ref, question, name, enrich)

			final, err := svc.LLM.Stream(ctx, input, svc.Prompts.ForChat(ref), printSink{})
			if err != nil {
				return err
			}
			if !strings.HasSuffix(final, "\n") {
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "cli", "speaker name shown to the model")
	return cmd
}

// printSink streams completion deltas straight to stdout. A Reset means
// the stalled stream was replaced wholesale, which a terminal cannot
// unprint, so it is marked instead.
type printSink struct{}

func (printSink) Delta(text string) { fmt.Print(text) }
func (printSink) Reset()            { fmt.Print("\n--- retrying without streaming ---\n") }
