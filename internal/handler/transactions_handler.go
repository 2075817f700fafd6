package handler

import (
	"net/http"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Transactions
// ============================================================

func createTransactionHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions")
		defer span.End()

		var req domain.TransactionRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("card.id", req.CardID))

		tx, err := ledger.ProcessTransaction(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		w.Header().Set("Location", "/v1/transactions/"+tx.ID)
		writeJSON(w, http.StatusCreated, tx)
	}
}

func listTransactionsHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions")
		defer span.End()

		filter, err := transactionFilterFromQuery(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		filter.CardID = r.URL.Query().Get("card_id")

		result, err := ledger.ListTransactions(ctx, filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toListResponse(result))
	}
}

func getTransactionHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions/{transactionId}")
		defer span.End()

		tx, err := ledger.GetTransaction(ctx, chi.URLParam(r, "transactionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

func verifyTransactionHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions/{transactionId}/verify")
		defer span.End()

		var req domain.VerifyRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		confidence := decimal.NewFromInt(1)
		if req.Confidence != nil {
			confidence = *req.Confidence
		}

		tx, err := ledger.VerifyReceipt(ctx, chi.URLParam(r, "transactionId"), req.Verified, confidence)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

func transactionFilterFromQuery(r *http.Request) (domain.TransactionFilter, error) {
	from, to, err := parseDateRange(r)
	if err != nil {
		return domain.TransactionFilter{}, err
	}
	page, pageSize := parsePagination(r)
	return domain.TransactionFilter{
		Status:   domain.TransactionStatus(r.URL.Query().Get("status")),
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	}, nil
}
