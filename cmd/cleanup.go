package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/creator-crawler/internal/listing"
)

type cleanupResult struct {
	Deleted int      `json:"deleted"`
	IDs     []string `json:"ids"`
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Deletes stored identifiers that fail the listing filter",
		Long: "Deletes numeric, too-short and reserved-path identifiers that reached the store, " +
			"for example through POST /api/profiles. Uses site.reserved_paths and site.min_length.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			site := appInstance.Config().Site
			filter := listing.NewFilter(site.ReservedPaths, site.MinLength)
			ids, err := appInstance.Store().PurgeIdentities(cmd.Context(), filter.Valid)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			if ids == nil {
				ids = []string{}
			}
			return printJSON(cmd, cleanupResult{Deleted: len(ids), IDs: ids})
		},
	}
}
