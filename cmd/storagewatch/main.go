package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/broadcast"
	"github.com/storagewatch/storagewatch/internal/cache"
	"github.com/storagewatch/storagewatch/internal/config"
	"github.com/storagewatch/storagewatch/internal/database"
	"github.com/storagewatch/storagewatch/internal/i18n"
	"github.com/storagewatch/storagewatch/internal/jobs"
	"github.com/storagewatch/storagewatch/internal/logging"
	"github.com/storagewatch/storagewatch/internal/metrics"
	"github.com/storagewatch/storagewatch/internal/registry"
	"github.com/storagewatch/storagewatch/internal/toncenter"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const (
	registryMaxRetries = 3
	shutdownTimeout    = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:           "storagewatch",
	Short:         "Storage provider monitor and alert dispatcher",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and the metrics endpoint until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <name>",
	Short: "Run a single job once and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storagewatch %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newUserCmd(), newSubscribeCmd(), newUnsubscribeCmd(), newAlertsCmd())
}

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is everything a scheduler needs, wired from configuration
type app struct {
	cfg       *config.Config
	store     *database.Store
	scheduler *jobs.Scheduler
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
}

// openStore loads configuration and opens the migrated database
func openStore() (*config.Config, *database.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is not set")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "storagewatch",
	})

	db, err := database.Open(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return nil, nil, err
	}
	store := database.NewStore(db)
	if err := database.AutoMigrate(db); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return cfg, store, nil
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, store, err := openStore()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, closers: []func() error{store.Close}}

	if err := cfg.Validate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.SlackBotToken == "" {
		a.Close()
		return nil, errors.New("SLACK_BOT_TOKEN is not set")
	}

	reg, err := registry.NewClient(registry.Config{
		BaseURL:    cfg.RegistryURL,
		APIKey:     cfg.RegistryAPIKey,
		RPS:        cfg.RegistryRPS,
		MaxRetries: registryMaxRetries,
		Timeout:    cfg.HTTPTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("registry client: %w", err)
	}

	indexer, err := toncenter.NewClient(toncenter.Config{
		BaseURL:    cfg.TonCenterURL,
		APIKey:     cfg.TonCenterAPIKey,
		RPS:        cfg.TonCenterRPS,
		MaxRetries: cfg.TonCenterMaxRetries,
		Timeout:    cfg.HTTPTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("indexer client: %w", err)
	}

	var localizer *i18n.Localizer
	if cfg.LocalesDir != "" {
		localizer, err = i18n.Load(os.DirFS(cfg.LocalesDir), cfg.DefaultLocale)
	} else {
		localizer, err = i18n.New(cfg.DefaultLocale)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load locales: %w", err)
	}
	log.Info().Strs("languages", localizer.Languages()).Msg("Locales loaded")

	slack := broadcast.NewSlack(cfg.SlackBotToken)

	overrides := make(map[string]any, len(cfg.Thresholds))
	for k, v := range cfg.Thresholds {
		overrides[k] = v
	}
	merged := alerts.MergeThresholds(alerts.DefaultThresholds(), overrides)
	if len(merged.Rejected) > 0 {
		log.Warn().Strs("keys", merged.Rejected).Msg("Ignoring invalid configured thresholds")
	}
	managerOpts := []alerts.Option{alerts.WithDefaults(merged.Thresholds)}

	deps := jobs.Deps{
		Store:    a.store,
		Registry: reg,
		Indexer:  indexer,
		Location: cfg.Location(),
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, snapshot cache disabled")
		} else {
			snapshots := cache.NewSnapshots(client, cache.DefaultSnapshotTTL)
			deps.Snapshots = snapshots
			managerOpts = append(managerOpts, alerts.WithSnapshotCache(snapshots))
			a.closers = append(a.closers, client.Close)
		}
	}

	deps.Alerts = alerts.NewManager(a.store, slack, localizer, managerOpts...)

	a.scheduler = jobs.NewScheduler(slack, cfg.OperatorChatID)
	jobs.New(deps).Register(a.scheduler, cfg.Jobs)
	return a, nil
}

func runServer(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().Str("version", Version).Strs("jobs", a.scheduler.Names()).Msg("Starting storagewatch")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         a.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("Shutdown complete")
	return err
}

func runJob(ctx context.Context, name string) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.scheduler.RunOnce(ctx, name); err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			return fmt.Errorf("%w (available: %v)", err, a.scheduler.Names())
		}
		return err
	}
	log.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("Job completed")
	return nil
}
