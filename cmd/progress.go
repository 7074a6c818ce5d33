package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProgressCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Prints the progress summary as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := appInstance.Store().ProgressSummary(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("progress: %w", err)
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict counts to one crawl session")
	return cmd
}

func newExportCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes a CSV snapshot to the configured export store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Exporter().Export(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "export only one crawl session")
	return cmd
}
