package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/ingest"
	"github.com/avrora-labs/opskb/internal/model"
)

var (
	ingestTitle  string
	ingestSource string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Register source files as documents awaiting extraction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		for _, path := range args {
			input, err := ingest.FromFile(path)
			if err != nil {
				return err
			}

			title := input.Title
			if ingestTitle != "" && len(args) == 1 {
				title = ingestTitle
			}
			source := ingestSource
			if source == "" {
				source = path
			}

			doc, err := st.CreateDocument(cmd.Context(), model.Document{
				Title:    title,
				Source:   source,
				MimeType: input.MimeType,
				Content:  input.Content,
			})
			if err != nil {
				return err
			}

			zap.L().Info("document ingested",
				zap.String("id", doc.ID),
				zap.String("title", doc.Title),
				zap.Int("content_runes", len([]rune(doc.Content))),
			)
			fmt.Println(doc.ID)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (single file only; default: file name)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source label (default: file path)")
	rootCmd.AddCommand(ingestCmd)
}
