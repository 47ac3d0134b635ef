// Package cmd defines the carebot command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "carebot",
	Short: "CareBot - the AI assistant for CareLane clinic staff",
	Long: `CareBot answers clinic staff questions about patients, doctors,
appointments, visits, prescriptions, and billing by combining a language
model with the CareLane EHR API.

Run "carebot serve" to start the HTTP API server.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
