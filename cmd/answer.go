package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	answerSession string
	answerDebug   bool
	answerJSON    bool
)

var answerCmd = &cobra.Command{
	Use:   "answer <question>",
	Short: "Answer a question from the committed knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Answerer.Answer(cmd.Context(), args[0], answerSession, answerDebug)
		if err != nil {
			return err
		}

		if answerJSON || answerDebug {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		fmt.Printf("[%s, confidence %.2f]\n%s\n", resp.Tier, resp.Confidence, resp.Answer)
		for _, c := range resp.Citations {
			fmt.Printf("  - %s: %s\n", c.ID, c.Snippet)
		}
		if resp.NeedsClarification && resp.SuggestedClarification != "" {
			fmt.Printf("\n%s\n", resp.SuggestedClarification)
		}
		return nil
	},
}

func init() {
	answerCmd.Flags().StringVar(&answerSession, "session", "", "session ID for follow-up resolution")
	answerCmd.Flags().BoolVar(&answerDebug, "debug", false, "include the retrieval trace in the response")
	answerCmd.Flags().BoolVar(&answerJSON, "json", false, "print the full response as JSON")
	rootCmd.AddCommand(answerCmd)
}
