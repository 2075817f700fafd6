package handler

import (
	"net/http"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Reports
// ============================================================

func reportHandler(reports *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/reports/{type}")
		defer span.End()

		from, to, err := parseDateRange(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		report, err := reports.Generate(ctx, domain.ReportQuery{
			Type:   domain.ReportType(chi.URLParam(r, "type")),
			CardID: r.URL.Query().Get("card_id"),
			From:   from,
			To:     to,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
