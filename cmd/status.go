package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avrora-labs/opskb/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base counts and pipeline health",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("documents: %d total (%d pending, %d processing, %d extracted, %d completed, %d failed, %d dead)\n",
			snap.DocumentsTotal, snap.DocumentsPending, snap.DocumentsProcessing,
			snap.DocumentsExtracted, snap.DocumentsCompleted, snap.DocumentsFailed, snap.DocumentsDead)
		fmt.Printf("staged:    %d pending, %d verified, %d rejected, %d promoted\n",
			snap.StagedPending, snap.StagedVerified, snap.StagedRejected, snap.StagedPromoted)
		fmt.Printf("knowledge: %d rules, %d qa pairs, %d chunks\n", snap.Rules, snap.QAEntries, snap.Chunks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
