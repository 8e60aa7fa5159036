package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/avrora-labs/opskb/internal/extract"
)

var (
	extractResume bool
	extractTokens bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <document-id>",
	Short: "Run the three-phase extraction for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		stream, err := env.Orchestrator.Run(cmd.Context(), args[0], extractResume)
		if err != nil {
			return err
		}

		var terminal extract.Event
		for ev := range stream.Events() {
			switch ev.Kind {
			case extract.EventPhaseStart:
				fmt.Printf("phase %s\n", ev.Phase)
			case extract.EventToken:
				if extractTokens {
					fmt.Print(ev.Token)
				}
			case extract.EventItemExtracted:
				suffix := ""
				if ev.Replayed {
					suffix = " (replayed)"
				}
				fmt.Printf("  + %s%s\n", ev.Item.Type, suffix)
			case extract.EventPhaseComplete:
				fmt.Printf("phase %s done\n", ev.Phase)
			}
			if ev.Kind.Terminal() {
				terminal = ev
			}
		}

		switch terminal.Kind {
		case extract.EventComplete:
			fmt.Println("extraction complete")
			return nil
		case extract.EventError, extract.EventFatalError:
			return eris.Errorf("extraction failed: %s", terminal.Message)
		default:
			return eris.New("extraction stream ended without a terminal event")
		}
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractResume, "resume", false, "replay completed phases and recompute only the interrupted one")
	extractCmd.Flags().BoolVar(&extractTokens, "tokens", false, "print streamed model tokens")
	rootCmd.AddCommand(extractCmd)
}
