package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dispersal/pkg/api"
	"dispersal/pkg/catalog"
	"dispersal/pkg/config"
	"dispersal/pkg/conflict"
	"dispersal/pkg/coordinator"
	"dispersal/pkg/metrics"
	"dispersal/pkg/migration"
	"dispersal/pkg/placement"
	"dispersal/pkg/storage"
	"dispersal/pkg/types"
)

var version = "dev"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispersal",
		Short: "Jurisdictional fragment dispersal engine",
		Long: `Places dataset fragments across legal jurisdictions chosen to maximize the
difficulty of lawfully reassembling them, and migrates fragments when threats
are detected.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		catalogCmd(),
		planCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		listenAddr string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispersal engine",
		Long:  `Start the engine: load the catalog, watch it for changes, and serve the collaborator hooks over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.CatalogPath == "" {
				return fmt.Errorf("catalog path not configured (set catalog_path or DISPERSAL_CATALOG_PATH)")
			}

			cat := catalog.New()
			if err := cat.LoadFile(cfg.CatalogPath); err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}
			logger.Info("catalog loaded",
				zap.String("path", cfg.CatalogPath),
				zap.Int("entries", cat.Len()))

			m := metrics.New(nil)
			m.CatalogEntries.Set(float64(cat.Len()))

			scorer := conflict.NewScorer(cat, cfg.Weights)
			optimizer := placement.NewOptimizer(cat, scorer, placement.Policy{NoCoLocation: cfg.NoCoLocation})

			// With a data dir, fragment copies live on local disk, one
			// directory per jurisdiction. Without one, writes and deletes
			// are acknowledged and journaled only.
			var transport migration.Transport = newLoggingTransport(logger)
			if dataDir != "" {
				store, err := storage.NewStore(dataDir, logger)
				if err != nil {
					return fmt.Errorf("failed to open fragment store: %w", err)
				}
				logger.Info("fragment store opened", zap.String("data_dir", dataDir))
				transport = store
			}

			executor := migration.NewExecutor(
				transport,
				logger,
				cfg.Retry,
				cfg.MaxOutstanding,
			)
			coord := coordinator.New(cfg, cat, optimizer, executor, newLoggingChallengeSink(logger), m, logger)
			defer coord.Stop()

			watcher, err := catalog.NewWatcher(cat, cfg.CatalogPath, logger, func(catalogVersion uint64) {
				m.CatalogEntries.Set(float64(cat.Len()))
			})
			if err != nil {
				return fmt.Errorf("failed to watch catalog: %w", err)
			}
			watcher.Start()
			defer watcher.Stop()

			server := &http.Server{
				Addr:    listenAddr,
				Handler: api.NewServer(coord, logger).Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("serving collaborator hooks", zap.String("address", listenAddr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "HTTP listen address for collaborator hooks")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "hold fragment copies on local disk; seed payloads under <dir>/origin")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispersal %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv()
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// loggingTransport stands in for the external storage collaborator when the
// engine runs without one wired: every write and delete is acknowledged and
// journaled. Production deployments replace it through migration.Transport.
type loggingTransport struct {
	logger *zap.Logger
}

func newLoggingTransport(logger *zap.Logger) *loggingTransport {
	return &loggingTransport{logger: logger.Named("transport")}
}

func (t *loggingTransport) WriteFragment(ctx context.Context, ref types.ContentRef, jur types.JurisdictionID) error {
	t.logger.Info("fragment write acknowledged",
		zap.String("content_ref", string(ref)),
		zap.String("jurisdiction_id", string(jur)))
	return nil
}

func (t *loggingTransport) DeleteFragment(ctx context.Context, ref types.ContentRef, jur types.JurisdictionID) error {
	t.logger.Info("fragment delete acknowledged",
		zap.String("content_ref", string(ref)),
		zap.String("jurisdiction_id", string(jur)))
	return nil
}

// loggingChallengeSink journals challenge requests when no legal-automation
// collaborator is attached.
type loggingChallengeSink struct {
	logger *zap.Logger
}

func newLoggingChallengeSink(logger *zap.Logger) *loggingChallengeSink {
	return &loggingChallengeSink{logger: logger.Named("legal")}
}

func (s *loggingChallengeSink) EmitChallenge(ctx context.Context, req types.ChallengeRequest) error {
	s.logger.Info("challenge request",
		zap.String("challenge_id", req.ID),
		zap.String("dataset_id", string(req.DatasetID)),
		zap.String("jurisdiction_id", string(req.Jurisdiction)),
		zap.String("suspected_origin", string(req.SuspectedOrigin)),
		zap.Time("detected_at", req.DetectedAt))
	return nil
}
