// Package cmd defines and implements the CLI commands for the sitecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/logging"
)

// App defines the application interface that commands use. It allows tests
// to inject a fake.
type App interface {
	CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error)
	Status(ctx context.Context, jobID string) (app.JobStatus, error)
	Crawl(ctx context.Context, opts app.RunOptions) (crawler.Report, error)
	Result(ctx context.Context, name, jobID string) (crawler.Result, error)
	Purge(ctx context.Context, jobID string) error
	ClearIndex(ctx context.Context) error
	SubscriberNames() []string
	Registry() *prometheus.Registry
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// newLogger is replaced in tests to keep output quiet.
var newLogger = logging.New

type runtimeKey struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    App
}

func fromContext(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "A resumable site crawler with a pluggable subscriber pipeline.",
		Long: `sitecrawler discovers the pages of one or more sites, fetches them
concurrently and hands every response to subscribers such as the search
indexer and the broken link checker. Jobs are stored in a frontier and can be
resumed batch by batch.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cmd.Flags(), &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			rt := &runtime{cfg: cfg, logger: logger, app: appInstance}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return
			}
			if err := rt.app.Close(); err != nil {
				rt.logger.Warn("Error closing application services", zap.Error(err))
			}
			_ = rt.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newSubscribersCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set command flags over the loaded
// configuration. Flags a command does not define are ignored.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return err == nil && f != nil && f.Changed
	}
	if changed("concurrency") {
		cfg.Crawler.Concurrency, err = flags.GetInt("concurrency")
	}
	if changed("delay") {
		cfg.Crawler.DelayMicros, err = flags.GetInt64("delay")
	}
	if changed("max-requests") {
		cfg.Crawler.MaxRequests, err = flags.GetInt("max-requests")
	}
	if changed("max-depth") {
		cfg.Crawler.MaxDepth, err = flags.GetInt("max-depth")
	}
	if changed("subscribers") {
		cfg.Crawler.Subscribers, err = flags.GetStringSlice("subscribers")
	}
	if changed("port") {
		cfg.Server.Port, err = flags.GetInt("port")
	}
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	return nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context so an interrupted crawl commits its progress before exiting.
func Execute() {
	ctx, stop := interruptContext(context.Background())
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
