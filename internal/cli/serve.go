package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api"
)

var serveWithReporter bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the REST query API. With --with-reporter the process also runs
the reporter daemon for this host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateAPI(); err != nil {
			return err
		}

		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		server := api.NewServer(cfg, api.Deps{
			Auth:      services.AuthService,
			Query:     services.QueryService,
			Cleanup:   services.CleanupService,
			Reporters: services.Repos.Reporters,
			Metrics:   services.Metrics,
			Logger:    logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if err := server.Start(); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down API server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
			return nil
		})

		if serveWithReporter {
			daemon := newDaemon(services.Hostname, services.Metrics)
			reg, err := daemon.Register(ctx, false)
			if err != nil {
				return fmt.Errorf("failed to register reporter: %w", err)
			}
			if !reg.Started {
				logger.Warn("reporter not started, host already has a live reporter", zap.Int("pid", reg.ExistingPID))
			} else {
				g.Go(func() error {
					return daemon.Run(gctx)
				})
			}
		}

		fmt.Println("Server is ready. Press Ctrl+C to stop.")
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWithReporter, "with-reporter", false, "also run the reporter daemon for this host")
}
