package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/session"
)

// newCrawlCmd groups the foreground crawl commands.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a list or detail crawl in the foreground",
	}
	cmd.AddCommand(newCrawlListCmd(), newCrawlDetailsCmd())
	return cmd
}

func newCrawlListCmd() *cobra.Command {
	var (
		startURL string
		resume   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Walks the listing pages and reserves every profile identifier",
		Long: `Opens one crawl session, walks the listing from --url (or the configured
listing URL) page by page and stores every new identifier as id_only. With
--resume the crawl restarts from the saved checkpoint page. Interrupting the
command stops after the current page and keeps the checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if startURL == "" {
				startURL = appInstance.Config().Site.ListingURL
			}
			sess, res, err := appInstance.Controller().RunList(cmd.Context(), session.ListRequest{URL: startURL, Resume: resume})
			if err != nil {
				return fmt.Errorf("crawl list: %w", err)
			}
			zap.L().Info("list crawl finished",
				zap.String("session_id", sess.ID),
				zap.String("state", string(res.State)),
				zap.Int("pages", res.Pages),
				zap.Int("inserted", res.Inserted),
			)
			return printJSON(cmd, map[string]any{"session": sess, "result": res})
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "listing URL to start from (defaults to site.listing_url)")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the saved checkpoint")
	return cmd
}

func newCrawlDetailsCmd() *cobra.Command {
	var (
		maxParallel int
		retryFailed bool
		sessionID   string
	)
	cmd := &cobra.Command{
		Use:   "details",
		Short: "Visits pending profiles and stores their details",
		Long: `Drains the pending worklist in batches with at most --max-parallel tabs open.
With --retry-failed it walks the failed rows instead. Interrupting the command
stops fetching new batches and gives in-flight profiles the configured grace
period before cancelling them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if maxParallel < 0 {
				return errors.New("--max-parallel must be >= 0")
			}
			if !cmd.Flags().Changed("retry-failed") {
				retryFailed = appInstance.Config().Detail.RetryFailed
			}
			ctrl := appInstance.Controller()
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-cmd.Context().Done():
					ctrl.StopDetails()
				case <-done:
				}
			}()
			sum, err := ctrl.RunDetails(cmd.Context(), dispatcher.Request{
				MaxParallel: maxParallel,
				RetryFailed: retryFailed,
				SessionID:   sessionID,
			})
			if err != nil {
				return fmt.Errorf("crawl details: %w", err)
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "concurrent profile tabs (0 uses detail.max_parallel)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "crawl failed rows instead of pending ones")
	cmd.Flags().StringVar(&sessionID, "session", "", "only crawl identifiers first seen in this session")
	return cmd
}
