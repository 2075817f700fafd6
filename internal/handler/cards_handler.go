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
// Cards
// ============================================================

type cardResponse struct {
	domain.Card
	Available decimal.Decimal `json:"available_balance"`
}

func newCardResponse(c domain.Card) cardResponse {
	return cardResponse{Card: c, Available: c.AvailableBalance()}
}

func createCardHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/cards")
		defer span.End()

		var req domain.CreateCardRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		card, err := ledger.CreateCard(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		w.Header().Set("Location", "/v1/cards/"+card.ID)
		writeJSON(w, http.StatusCreated, newCardResponse(*card))
	}
}

func listCardsHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/cards")
		defer span.End()

		page, pageSize := parsePagination(r)
		result, err := ledger.ListCards(ctx, domain.CardFilter{
			Status:   domain.CardStatus(r.URL.Query().Get("status")),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		items := make([]cardResponse, 0, len(result.Items))
		for _, c := range result.Items {
			items = append(items, newCardResponse(c))
		}
		writeJSON(w, http.StatusOK, toListResponse(domain.Page[cardResponse]{
			Items: items, Total: result.Total, Page: result.Page, PageSize: result.PageSize,
		}))
	}
}

func getCardHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/cards/{cardId}")
		defer span.End()

		cardID := chi.URLParam(r, "cardId")
		span.SetAttributes(attribute.String("card.id", cardID))

		card, err := ledger.GetCard(ctx, cardID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, newCardResponse(*card))
	}
}

func getCardBalanceHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/cards/{cardId}/balance")
		defer span.End()

		balance, err := ledger.GetCardBalance(ctx, chi.URLParam(r, "cardId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, balance)
	}
}

func listCardTransactionsHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/cards/{cardId}/transactions")
		defer span.End()

		cardID := chi.URLParam(r, "cardId")
		if _, err := ledger.GetCard(ctx, cardID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		filter, err := transactionFilterFromQuery(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		filter.CardID = cardID

		result, err := ledger.ListTransactions(ctx, filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toListResponse(result))
	}
}
