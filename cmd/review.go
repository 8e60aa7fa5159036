package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/model"
)

var (
	reviewItems []string
	reviewAll   bool
)

var stagedCmd = &cobra.Command{
	Use:   "staged <document-id>",
	Short: "List a document's staged items awaiting review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListStagedItems(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tSUMMARY")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.Type, reviewState(item), stagedSummary(item))
		}
		return w.Flush()
	},
}

func reviewState(item model.StagedItem) string {
	switch {
	case item.Promoted:
		return "promoted"
	case item.Verified && item.Rejected:
		return "conflict"
	case item.Verified:
		return "verified"
	case item.Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// stagedSummary pulls a short human-readable label out of the item payload.
func stagedSummary(item model.StagedItem) string {
	switch item.Type {
	case model.ItemRule:
		var p model.RulePayload
		if json.Unmarshal(item.Payload, &p) == nil {
			return fmt.Sprintf("[%s] %s", p.Domain, p.Title)
		}
	case model.ItemQA:
		var p model.QAPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			return p.Question
		}
	case model.ItemDomain:
		var p model.DomainPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			return p.Domain
		}
	case model.ItemUncertainty:
		var p model.UncertaintyPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			return p.Statement
		}
	case model.ItemChunk:
		var p model.ChunkPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			return fmt.Sprintf("chunk %d (%d runes)", p.Seq, len([]rune(p.Content)))
		}
	}
	return ""
}

var verifyCmd = &cobra.Command{
	Use:   "verify <document-id>",
	Short: "Mark staged items as verified for commit",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runReview(cmd, args[0], "verified") },
}

var rejectCmd = &cobra.Command{
	Use:   "reject <document-id>",
	Short: "Mark staged items as rejected",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runReview(cmd, args[0], "rejected") },
}

func runReview(cmd *cobra.Command, documentID, action string) error {
	if !reviewAll && len(reviewItems) == 0 {
		return eris.New("either --all or --items is required")
	}

	env, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	stamp := env.Committer.Verify
	if action == "rejected" {
		stamp = env.Committer.Reject
	}

	n, err := stamp(cmd.Context(), documentID, reviewItems, reviewAll)
	if err != nil {
		return err
	}
	zap.L().Info("staged items "+action, zap.String("document_id", documentID), zap.Int("count", n))
	return nil
}

var commitCmd = &cobra.Command{
	Use:   "commit <document-id>",
	Short: "Promote verified staged items into the durable knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Committer.Commit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("rules: %d\nqa: %d\nchunks: %d\n", result.RulesCreated, result.QACreated, result.ChunksCreated)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{verifyCmd, rejectCmd} {
		c.Flags().StringSliceVar(&reviewItems, "items", nil, "staged item IDs")
		c.Flags().BoolVar(&reviewAll, "all", false, "apply to every pending staged item")
	}
	rootCmd.AddCommand(stagedCmd, verifyCmd, rejectCmd, commitCmd)
}
