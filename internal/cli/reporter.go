package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/adapter/procmetrics"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/adapter/system"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/reporter"
)

var (
	reporterForce       bool
	reporterDetach      bool
	reporterStopTimeout time.Duration
	reporterMetricsAddr string
)

var reporterCmd = &cobra.Command{
	Use:   "reporter",
	Short: "Manage the process reporter for this host",
	Long: `The reporter samples CPU and memory of every active run on this host,
fails runs whose process has died, and prunes expired metrics. Exactly one
reporter runs per hostname.`,
}

// newDaemon wires a reporter daemon that opens a fresh store connection for
// every iteration.
func newDaemon(hostname string, metrics *observability.Metrics) *reporter.Daemon {
	collector := procmetrics.NewCollector(procmetrics.Options{
		IncludeChildren:   cfg.IncludeChildren,
		Timeout:           cfg.CollectionTimeout,
		CPUSampleInterval: cfg.CPUSampleInterval,
	})
	connect := reporter.SQLConnector(sqlstore.OptionsFromConfig(cfg), cfg.Retention(), logger, metrics)
	return reporter.New(reporter.ConfigFrom(cfg, hostname, os.Getpid(), Version), connect, collector, logger).
		WithMetrics(metrics)
}

var reporterRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reporter in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname, err := cfg.ResolveHostname()
		if err != nil {
			return err
		}

		// Make sure the schema exists; the daemon itself never migrates.
		db, err := sqlstore.Open(cmd.Context(), sqlstore.OptionsFromConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		db.Close()

		metrics := observability.NewMetrics()
		daemon := newDaemon(hostname, metrics)
		reg, err := daemon.Register(cmd.Context(), reporterForce)
		if err != nil {
			return fmt.Errorf("failed to register reporter: %w", err)
		}
		if !reg.Started {
			fmt.Printf("Reporter already running on %s (pid %d)\n", hostname, reg.ExistingPID)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if reporterMetricsAddr == "" {
			return daemon.Run(ctx)
		}

		ln, err := net.Listen("tcp", reporterMetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		logger.Info("serving reporter metrics", zap.String("addr", ln.Addr().String()))

		// The listener lives exactly as long as the daemon.
		runCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return metrics.Serve(gctx, ln) })
		g.Go(func() error {
			defer cancel()
			return daemon.Run(gctx)
		})
		return g.Wait()
	},
}

var reporterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reporter unless one is already running",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		status, alive, err := reporter.LiveReporter(cmd.Context(), services.Repos.Reporters, services.Hostname, cfg.StaleAfter, time.Now())
		services.Close()
		if err != nil {
			return err
		}
		if alive && !reporterForce {
			fmt.Printf("Reporter already running on %s (pid %d)\n", services.Hostname, status.PID)
			return nil
		}

		if !reporterDetach {
			return reporterRunCmd.RunE(cmd, args)
		}

		adapter := system.NewAdapter()
		exe, err := adapter.Executable()
		if err != nil {
			return err
		}
		runArgs := []string{"reporter", "run"}
		if cfgFile != "" {
			runArgs = append(runArgs, "--config", cfgFile)
		}
		if reporterForce {
			runArgs = append(runArgs, "--force")
		}
		if reporterMetricsAddr != "" {
			runArgs = append(runArgs, "--metrics-addr", reporterMetricsAddr)
		}

		pid, err := adapter.SpawnDetached(exe, runArgs, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to start reporter: %w", err)
		}
		fmt.Printf("Reporter started on %s (pid %d)\n", services.Hostname, pid)
		return nil
	},
}

var reporterStopCmd = &cobra.Command{
	Use:   "stop [hostname]",
	Short: "Ask a reporter to shut down",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		hostname := services.Hostname
		if len(args) == 1 {
			hostname = args[0]
		}

		stopped, err := reporter.RequestStop(cmd.Context(), services.Repos.Reporters, hostname, reporterStopTimeout, 500*time.Millisecond)
		if errors.Is(err, domain.ErrReporterNotFound) {
			fmt.Printf("No reporter registered for %s\n", hostname)
			return nil
		}
		if err != nil {
			return err
		}
		if !stopped {
			return fmt.Errorf("reporter on %s did not stop within %s", hostname, reporterStopTimeout)
		}
		fmt.Printf("Reporter on %s stopped\n", hostname)
		return nil
	},
}

var reporterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registered reporters",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		infos, err := services.QueryService.ListReporters(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list reporters: %w", err)
		}
		if len(infos) == 0 {
			fmt.Println("No reporters registered")
			return nil
		}

		local := system.NewAdapter()
		w := newTable()
		fmt.Fprintln(w, "HOSTNAME\tPID\tSTATE\tHEARTBEAT\tSTARTED\tVERSION")
		for _, info := range infos {
			state := "alive"
			if !info.Alive {
				state = "stale"
			}
			if info.ShutdownRequested {
				state += ",stopping"
			}
			if info.Hostname == services.Hostname && !local.ProcessAlive(cmd.Context(), info.PID) {
				state += ",gone"
			}
			version := "-"
			if info.Version != nil {
				version = *info.Version
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				info.Hostname,
				info.PID,
				state,
				humanize.Time(info.LastHeartbeat),
				formatTime(info.StartedAt),
				version,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reporterCmd)
	reporterCmd.AddCommand(reporterRunCmd)
	reporterCmd.AddCommand(reporterStartCmd)
	reporterCmd.AddCommand(reporterStopCmd)
	reporterCmd.AddCommand(reporterStatusCmd)

	reporterRunCmd.Flags().BoolVar(&reporterForce, "force", false, "take over the host even if its reporter looks alive")
	reporterStartCmd.Flags().BoolVar(&reporterForce, "force", false, "take over the host even if its reporter looks alive")
	reporterStartCmd.Flags().BoolVar(&reporterDetach, "detach", false, "run the reporter in the background")
	for _, c := range []*cobra.Command{reporterRunCmd, reporterStartCmd} {
		c.Flags().StringVar(&reporterMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	}
	reporterStopCmd.Flags().DurationVar(&reporterStopTimeout, "timeout", 30*time.Second, "how long to wait for the reporter to exit")
}
