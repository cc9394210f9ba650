package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

var (
	cleanupDryRun        bool
	cleanupRetentionDays int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired process metrics",
	Long: `Delete the metric snapshots of runs that finished more than retention_days
ago. Runs and subtasks are kept. The reporter does this periodically; this
command runs it once (typically from cron or by hand).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		days := cfg.RetentionDays
		if cmd.Flags().Changed("retention-days") {
			days = cleanupRetentionDays
		}

		report, err := services.CleanupService.Cleanup(cmd.Context(), service.CleanupOptions{
			RetentionDays: days,
			DryRun:        cleanupDryRun,
		})
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		if len(report.Runs) > 0 {
			w := newTable()
			fmt.Fprintln(w, "RUN ID\tCOMPLETED\tSNAPSHOTS")
			for _, r := range report.Runs {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.RunID, formatTime(r.CompletedAt), r.Snapshots)
			}
			w.Flush()
		}

		verb := "Deleted"
		if report.DryRun {
			verb = "Would delete"
		}
		fmt.Printf("%s %d snapshots from %d runs finished before %s\n",
			verb, report.Snapshots, len(report.Runs), report.Cutoff.Format("2006-01-02 15:04:05"))
		if report.Backfilled > 0 {
			fmt.Printf("Backfilled %d retention records\n", report.Backfilled)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")
	cleanupCmd.Flags().IntVar(&cleanupRetentionDays, "retention-days", 0, "override retention_days from the config")
}
