package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/store"
)

var (
	documentsStatus string
	documentsDomain string
	documentsLimit  int
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect and manage documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		docs, err := st.ListDocuments(cmd.Context(), store.DocumentFilter{
			Status: model.DocumentStatus(strings.ToUpper(documentsStatus)),
			Domain: documentsDomain,
			Limit:  documentsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDOMAIN\tRETRIES\tTITLE")
		for _, d := range docs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Status, d.Domain, d.RetryCount, d.Title)
		}
		return w.Flush()
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document with its extraction attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		doc, err := st.GetDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", doc.ID)
		fmt.Printf("Title:     %s\n", doc.Title)
		fmt.Printf("Source:    %s\n", doc.Source)
		fmt.Printf("Status:    %s\n", doc.Status)
		fmt.Printf("Domain:    %s\n", doc.Domain)
		fmt.Printf("Retries:   %d\n", doc.RetryCount)
		if doc.LastError != "" {
			fmt.Printf("LastError: %s\n", doc.LastError)
		}
		if len(doc.PhasesDone) > 0 {
			phases := make([]string, len(doc.PhasesDone))
			for i, p := range doc.PhasesDone {
				phases[i] = string(p)
			}
			fmt.Printf("Phases:    %s\n", strings.Join(phases, ", "))
		}

		attempts, err := st.ListAttempts(cmd.Context(), doc.ID)
		if err != nil {
			return err
		}
		if len(attempts) > 0 {
			fmt.Println("Attempts:")
			for _, a := range attempts {
				line := fmt.Sprintf("  %s %s", a.StartedAt.Format("2006-01-02 15:04:05"), a.Status)
				if a.FailedPhase != "" {
					line += fmt.Sprintf(" (%s, %s)", a.FailedPhase, a.ErrorClass)
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var documentsReviveCmd = &cobra.Command{
	Use:   "revive <id>",
	Short: "Return a DEAD document to the retry pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.ReviveDocument(cmd.Context(), args[0]); err != nil {
			return err
		}
		zap.L().Info("document revived", zap.String("id", args[0]))
		return nil
	},
}

var documentsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running extraction in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if !env.Orchestrator.Cancel(args[0]) {
			return eris.Errorf("no running extraction for document %s in this process (a server-owned run is cancelled via POST /api/documents/%s/cancel)", args[0], args[0])
		}
		zap.L().Info("extraction cancelled", zap.String("id", args[0]))
		return nil
	},
}

var documentsResetStaleCmd = &cobra.Command{
	Use:   "reset-stale",
	Short: "Reset PROCESSING documents abandoned by a crashed run",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Orchestrator.ResetStale(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("stale documents reset", zap.Int("count", len(ids)))
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	documentsListCmd.Flags().StringVar(&documentsStatus, "status", "", "filter by status (PENDING, PROCESSING, EXTRACTED, COMPLETED, FAILED, DEAD)")
	documentsListCmd.Flags().StringVar(&documentsDomain, "domain", "", "filter by classified domain")
	documentsListCmd.Flags().IntVar(&documentsLimit, "limit", 0, "max documents to list")

	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd, documentsReviveCmd, documentsCancelCmd, documentsResetStaleCmd)
	rootCmd.AddCommand(documentsCmd)
}
