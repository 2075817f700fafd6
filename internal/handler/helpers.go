package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/queue"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON rejects unknown fields and trailing data.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.ErrValidation{Field: "body", Message: "request body is empty"}
		}
		return &domain.ErrValidation{Field: "body", Message: err.Error()}
	}
	if dec.More() {
		return &domain.ErrValidation{Field: "body", Message: "unexpected data after JSON object"}
	}
	return nil
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = domain.DefaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= domain.MaxPageSize {
			pageSize = ps
		}
	}
	return
}

// parseDateRange reads start_date and end_date as RFC3339 timestamps or
// YYYY-MM-DD dates. A bare end date covers the whole day.
func parseDateRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("start_date"); v != "" {
		if from, err = parseDate(v, false); err != nil {
			return from, to, &domain.ErrValidation{Field: "start_date", Message: "must be RFC3339 or YYYY-MM-DD"}
		}
	}
	if v := q.Get("end_date"); v != "" {
		if to, err = parseDate(v, true); err != nil {
			return from, to, &domain.ErrValidation{Field: "end_date", Message: "must be RFC3339 or YYYY-MM-DD"}
		}
	}
	return from, to, nil
}

func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func toListResponse[T any](p domain.Page[T]) domain.ListResponse[T] {
	items := p.Items
	if items == nil {
		items = []T{}
	}
	return domain.ListResponse[T]{
		Data:     items,
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  p.HasMore(),
	}
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var validation *domain.ErrValidation
	var fraud *domain.ErrFraudDetected
	var insufficientFunds *domain.ErrInsufficientFunds
	var inactive *domain.ErrCardInactive
	var lockTimeout *domain.ErrLockTimeout
	var invalidState *domain.ErrInvalidState
	var conflict *domain.ErrConflict

	switch {
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeCodedError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(),
			map[string]string{"field": validation.Field})
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeCodedError(w, http.StatusNotFound, strings.ToUpper(notFound.Resource)+"_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &fraud):
		logger.Warn("fraud detected", zap.Strings("reasons", fraud.Reasons))
		writeCodedError(w, http.StatusForbidden, "FRAUD_DETECTED", "transaction blocked by fraud detection",
			map[string]any{
				"transaction_id": fraud.TransactionID,
				"score":          fraud.Score,
				"reasons":        fraud.Reasons,
			})
	case errors.As(err, &insufficientFunds):
		logger.Info("insufficient funds",
			zap.String("available", insufficientFunds.Available.StringFixed(2)),
			zap.String("requested", insufficientFunds.Requested.StringFixed(2)),
		)
		writeCodedError(w, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS", err.Error(),
			map[string]any{
				"requested": insufficientFunds.Requested,
				"available": insufficientFunds.Available,
			})
	case errors.As(err, &inactive):
		logger.Info("card inactive", zap.String("card_id", inactive.CardID), zap.String("status", string(inactive.Status)))
		writeCodedError(w, http.StatusForbidden, "CARD_INACTIVE", err.Error(), nil)
	case errors.As(err, &lockTimeout):
		logger.Warn("lock timeout", zap.String("resource", lockTimeout.Resource), zap.String("id", lockTimeout.ID))
		w.Header().Set("Retry-After", "1")
		writeCodedError(w, http.StatusServiceUnavailable, "LOCK_TIMEOUT", err.Error(), nil)
	case errors.As(err, &invalidState):
		logger.Debug("invalid state", zap.String("error", err.Error()))
		writeCodedError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.As(err, &conflict):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeCodedError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		logger.Error("external service error", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		logger.Error("task queue unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
