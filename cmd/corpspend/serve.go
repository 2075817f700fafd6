package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/config"
	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/handler"
	"github.com/Karkibinod/CorpSpend/internal/infra/cache"
	"github.com/Karkibinod/CorpSpend/internal/infra/memstore"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/infra/ocr"
	"github.com/Karkibinod/CorpSpend/internal/infra/postgres"
	"github.com/Karkibinod/CorpSpend/internal/infra/queue"
	"github.com/Karkibinod/CorpSpend/internal/infra/resilience"
	"github.com/Karkibinod/CorpSpend/internal/infra/velocity"
	"github.com/Karkibinod/CorpSpend/internal/port"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger API and receipt workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServe(cmd.Context(), flags, migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres backend)")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, migrate bool) error {
	cfg, logger := setup(flags)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("lock_timeout", cfg.LockTimeout),
		zap.String("fraud_max_amount", cfg.FraudMaxAmount.StringFixed(2)),
		zap.Int("velocity_limit", cfg.VelocityLimit),
		zap.Duration("velocity_window", cfg.VelocityWindow),
		zap.Int("worker_concurrency", cfg.WorkerConcurrency),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Bool("ocr_http", cfg.OCRAPIURL != ""),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "corpspend")
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	store, closeStore, err := openStore(ctx, cfg, migrate, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Fraud engine ---
	window := velocity.NewWindow(cfg.VelocityWindow)
	fraud := service.NewFraudEngine(service.FraudConfig{
		MaxAmount:      cfg.FraudMaxAmount,
		FlagThreshold:  cfg.FraudFlagThreshold,
		VelocityLimit:  cfg.VelocityLimit,
		VelocityWeight: cfg.VelocityWeight,
		Blacklist:      cfg.MerchantBlacklist,
	}, window, metrics, logger)

	// --- Ledger & reconciliation ---
	ledger := service.NewLedgerService(store, fraud, cfg.LockTimeout, metrics, logger)
	reconciler := service.NewReconciler(store, ledger, service.ReconcilerConfig{
		AutoVerifyThreshold: cfg.AutoVerifyThreshold,
		MinMatchConfidence:  cfg.MinMatchConfidence,
		SearchWindow:        cfg.ReceiptSearchWindow,
		CandidateLimit:      cfg.CandidateLimit,
	}, logger)

	statuses := cache.New[domain.TaskStatus](cfg.TaskResultTTL)
	defer statuses.Close()

	tasks := queue.New(queue.Config{
		Size:          cfg.TaskQueueSize,
		Workers:       cfg.WorkerConcurrency,
		MaxDeliveries: 3,
		RedeliveryGap: cfg.InitialBackoff,
	}, metrics, logger)

	receipts := service.NewReceiptService(
		newExtractor(cfg, metrics, logger),
		reconciler,
		ledger,
		tasks,
		statuses,
		resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		},
		metrics,
		logger,
	)

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Ledger:   ledger,
		Receipts: receipts,
		Reports:  service.NewReportService(store, logger),
		Store:    store,
		Uploads:  handler.UploadConfig{Dir: cfg.ReceiptDir, MaxBytes: cfg.ReceiptMaxBytes},
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tasks.Run(gctx, receipts.HandleTask)
	})
	g.Go(func() error {
		window.Run(gctx, cfg.VelocityWindow)
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore returns the configured LedgerStore and its cleanup.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (port.LedgerStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger store; data is lost on restart")
		return memstore.New(), func() {}, nil

	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		if err := checkSchema(ctx, db, migrate, logger); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("using PostgreSQL ledger store", zap.Int("max_open_conns", cfg.DBMaxOpenConns))
		return postgres.New(db, logger), func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", cfg.StoreBackend, config.BackendMemory, config.BackendPostgres)
}

func checkSchema(ctx context.Context, db *sql.DB, migrate bool, logger *zap.Logger) error {
	if migrate {
		return postgres.Migrate(ctx, db, logger)
	}
	v, err := postgres.SchemaVersion(ctx, db)
	if err != nil || v != postgres.ExpectedSchemaVersion {
		return fmt.Errorf("database schema is not at version %d; run `corpspend migrate` or pass --migrate", postgres.ExpectedSchemaVersion)
	}
	return nil
}

// newExtractor picks the HTTP OCR service when configured, otherwise the
// JSON sidecar reader over the receipt directory.
func newExtractor(cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) port.ReceiptExtractor {
	if cfg.OCRAPIURL == "" {
		logger.Info("using JSON sidecar receipt extractor", zap.String("dir", cfg.ReceiptDir))
		return ocr.NewSidecar(cfg.ReceiptDir)
	}

	logger.Info("using OCR service", zap.String("url", cfg.OCRAPIURL))
	return ocr.NewClient(
		&http.Client{Timeout: cfg.HTTPTimeout},
		cfg.OCRAPIURL,
		resilience.NewCircuitBreaker("ocr"),
		// The worker owns the retry budget; the client only smooths over one blip.
		resilience.Config{
			MaxRetries:     1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     time.Second,
			MaxConcurrency: cfg.WorkerConcurrency,
		},
		metrics,
	)
}
