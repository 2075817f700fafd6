package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the router serves. Nil services leave their routes
// answering 503, which keeps operational endpoints testable in isolation.
type Services struct {
	Ledger   *service.LedgerService
	Receipts *service.ReceiptService
	Reports  *service.ReportService
	Store    Pinger
	Uploads  UploadConfig
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Store, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/ledger", ledgerMetricsHandler(metrics))

		r.Group(func(r chi.Router) {
			r.Use(requireService(svc.Ledger != nil, "ledger"))
			r.Use(middleware.RequestSize(1 << 20))

			// Cards
			r.Post("/cards", createCardHandler(svc.Ledger, logger))
			r.Get("/cards", listCardsHandler(svc.Ledger, logger))
			r.Get("/cards/{cardId}", getCardHandler(svc.Ledger, logger))
			r.Get("/cards/{cardId}/balance", getCardBalanceHandler(svc.Ledger, logger))
			r.Get("/cards/{cardId}/transactions", listCardTransactionsHandler(svc.Ledger, logger))

			// Transactions
			r.Post("/transactions", createTransactionHandler(svc.Ledger, logger))
			r.Get("/transactions", listTransactionsHandler(svc.Ledger, logger))
			r.Get("/transactions/{transactionId}", getTransactionHandler(svc.Ledger, logger))
			r.Post("/transactions/{transactionId}/verify", verifyTransactionHandler(svc.Ledger, logger))
		})

		// Receipts
		r.Group(func(r chi.Router) {
			r.Use(requireService(svc.Receipts != nil, "receipts"))
			r.Post("/receipts", submitReceiptHandler(svc.Receipts, svc.Uploads, logger))
			r.Get("/receipts/status/{taskId}", receiptStatusHandler(svc.Receipts, logger))
		})

		// Reports
		r.Group(func(r chi.Router) {
			r.Use(requireService(svc.Reports != nil, "reports"))
			r.Get("/reports/{type}", reportHandler(svc.Reports, logger))
		})
	})

	return r
}

// ============================================================
// Health & metrics
// ============================================================

func healthzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "corpspend-api", Status: "healthy", LastChecked: now},
		}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			err := store.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "unhealthy"
				logger.Warn("store ping failed", zap.Error(err))
			}
			services = append(services, domain.ServiceHealth{
				Name: "ledger-store", Status: status,
				LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overall := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overall = "unhealthy"
				break
			}
		}

		code := http.StatusOK
		if overall == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
