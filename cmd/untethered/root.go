package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "untethered",
		Short:         "Voice-driven remote coding assistant backend",
		Long:          "untethered runs the gateway that relays prompts to a local coding agent, streams transcripts to mobile clients and drives multi-step orchestration runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newProbeCmd(),
		newStepsCmd(),
	)
	return rootCmd
}
