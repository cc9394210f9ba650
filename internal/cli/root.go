package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
	"github.com/Broadband-Catalysts/tasker-sub002/pkg/config"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tasker",
	Short: "Tasker - pipeline task tracking and process monitoring",
	Long: `Tasker records the lifecycle of pipeline tasks in a shared database.

It provides:
- Run and subtask progress tracking with atomic item counters
- A per-host reporter that samples CPU and memory of running tasks
- Retention cleanup of collected metrics
- A REST query API for dashboards`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger, err = observability.NewLogger(cfg.LogLevel, cfg.LogFile, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/tasker/config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// Services holds all initialized services
type Services struct {
	DB       *sqlstore.DB
	Repos    *sqlstore.Repositories
	Hostname string
	Metrics  *observability.Metrics

	TrackingService *service.TrackingService
	CounterService  *service.CounterService
	QueryService    *service.QueryService
	CleanupService  *service.CleanupService
	AuthService     *service.AuthService
}

// initServices opens the store, applying pending migrations, and builds
// every service on top of it.
func initServices(ctx context.Context) (*Services, error) {
	hostname, err := cfg.ResolveHostname()
	if err != nil {
		return nil, err
	}

	db, err := sqlstore.Open(ctx, sqlstore.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	repos := sqlstore.NewRepositories(db)
	metrics := observability.NewMetrics()

	return &Services{
		DB:       db,
		Repos:    repos,
		Hostname: hostname,
		Metrics:  metrics,

		TrackingService: service.NewTrackingService(repos.Tasks, repos.Runs, repos.Subtasks, cfg.Retention(), logger),
		CounterService:  service.NewCounterService(repos.Subtasks).WithMetrics(metrics.CounterIncrements),
		QueryService: service.NewQueryService(
			repos.RunViews, repos.Subtasks, repos.Metrics, repos.Reporters, repos.Tasks, cfg.StaleAfter,
		),
		CleanupService: service.NewCleanupService(repos.Retention, repos.Metrics, logger).WithMetrics(metrics.RetentionDeleted),
		AuthService:    service.NewAuthService(repos.Clients, cfg.JWTSecretKey, cfg.JWTAlgorithm),
	}, nil
}

// Close closes all resources
func (s *Services) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}
