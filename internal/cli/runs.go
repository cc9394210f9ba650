package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/util"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

var (
	runsQuery string
	runsOrder string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect task runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs with their latest resource usage",
	Example: `  tasker runs list --query status|RUNNING
  tasker runs list --query hostname|worker-1,status|ne|COMPLETED --order start_time|asc`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listFilter, err := util.NewListFilter(repository.RunViewSchema, runsQuery, runsOrder, 1, runsLimit)
		if err != nil {
			return err
		}
		filter := repository.RunViewFilter{ListFilter: listFilter}

		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		views, total, err := services.QueryService.ListRuns(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(views) == 0 {
			fmt.Println("No runs found")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "RUN ID\tSTAGE/TASK\tHOST\tSTATUS\tPROGRESS\tSTARTED\tCPU\tRSS\tMETRICS")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				v.RunID,
				v.StageName, v.TaskName,
				v.Hostname,
				v.Status,
				formatPercent(&v.OverallPercent),
				formatTime(v.StartTime),
				formatPercent(v.CPUPercent),
				formatMB(v.MemoryRSSMB),
				metricsState(v),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if total > len(views) {
			fmt.Printf("\nShowing %d of %d runs\n", len(views), total)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		detail, err := services.QueryService.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Run:       %s\n", detail.RunID)
		fmt.Printf("Task:      %s/%s (%s)\n", detail.StageName, detail.TaskName, detail.TaskType)
		fmt.Printf("Host:      %s\n", detail.Hostname)
		if detail.PID != nil {
			fmt.Printf("PID:       %d\n", *detail.PID)
		}
		fmt.Printf("Status:    %s\n", detail.Status)
		fmt.Printf("Progress:  %s %s\n", formatPercent(&detail.OverallPercent), derefString(detail.OverallMessage))
		fmt.Printf("Started:   %s\n", formatTime(detail.StartTime))
		fmt.Printf("Ended:     %s\n", formatOptionalTime(detail.EndTime))
		if detail.ErrorMessage != nil {
			fmt.Printf("Error:     %s\n", *detail.ErrorMessage)
		}
		fmt.Printf("CPU:       %s\n", formatPercent(detail.CPUPercent))
		fmt.Printf("Memory:    %s\n", formatMB(detail.MemoryRSSMB))
		if detail.ChildCount != nil && *detail.ChildCount > 0 {
			fmt.Printf("Children:  %d (%s CPU, %s)\n", *detail.ChildCount,
				formatPercent(detail.ChildCPUTotal), formatMB(detail.ChildMemTotalMB))
		}
		fmt.Printf("Metrics:   %s\n", metricsState(&detail.RunView))

		if len(detail.Subtasks) == 0 {
			return nil
		}

		fmt.Println()
		w := newTable()
		fmt.Fprintln(w, "#\tNAME\tSTATUS\tPROGRESS\tITEMS\tUPDATED")
		for _, s := range detail.Subtasks {
			items := "-"
			if s.ItemsTotal != nil {
				var done int64
				if s.ItemsComplete != nil {
					done = *s.ItemsComplete
				}
				items = fmt.Sprintf("%d/%d", done, *s.ItemsTotal)
			}
			pct := s.PercentComplete()
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				s.Number, s.Name, s.Status, formatPercent(&pct), items, formatTime(s.LastUpdate))
		}
		return w.Flush()
	},
}

// metricsState summarizes the latest snapshot: its age, or why there is
// nothing trustworthy to show.
func metricsState(v *domain.RunView) string {
	switch {
	case v.MetricsTime == nil:
		return "none"
	case v.MetricsErrorType != nil:
		return string(*v.MetricsErrorType)
	case v.MetricsStale && v.Status.IsActive():
		return "stale"
	default:
		return formatTime(*v.MetricsTime)
	}
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsListCmd.Flags().StringVar(&runsQuery, "query", "", "filter as field|value or field|op|value, comma separated")
	runsListCmd.Flags().StringVar(&runsOrder, "order", "", "order as field|asc or field|desc, comma separated")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs to show")
}
