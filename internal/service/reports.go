package service

import (
	"context"
	"sort"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReportService builds spending reports over money-moved transactions.
type ReportService struct {
	store  port.LedgerStore
	logger *zap.Logger
	now    func() time.Time
}

// NewReportService creates a new ReportService.
func NewReportService(store port.LedgerStore, logger *zap.Logger) *ReportService {
	return &ReportService{store: store, logger: logger, now: time.Now}
}

// Generate builds the report selected by q.Type for transactions created in [q.From, q.To].
func (s *ReportService) Generate(ctx context.Context, q domain.ReportQuery) (*domain.SpendingReport, error) {
	ctx, span := tracer.Start(ctx, "ReportService.Generate")
	defer span.End()

	switch q.Type {
	case domain.ReportSummary, domain.ReportByMerchant, domain.ReportDetailed:
	default:
		return nil, &domain.ErrValidation{Field: "report_type", Message: "must be summary, by_merchant or detailed"}
	}
	if q.From.IsZero() || q.To.IsZero() {
		return nil, &domain.ErrValidation{Field: "start_date", Message: "start_date and end_date are required"}
	}
	if q.To.Before(q.From) {
		return nil, &domain.ErrValidation{Field: "end_date", Message: "must not be before start_date"}
	}

	now := s.now().UTC()
	txs, err := s.collect(ctx, q, now)
	if err != nil {
		return nil, err
	}

	report := &domain.SpendingReport{
		Type:        q.Type,
		CardID:      q.CardID,
		From:        q.From,
		To:          q.To,
		Total:       decimal.Zero,
		Average:     decimal.Zero,
		GeneratedAt: now,
	}
	for _, tx := range txs {
		report.Total = report.Total.Add(tx.Amount)
	}
	report.Count = len(txs)
	if report.Count > 0 {
		report.Average = report.Total.DivRound(decimal.NewFromInt(int64(report.Count)), 2)
	}

	switch q.Type {
	case domain.ReportByMerchant:
		report.ByMerchant = groupByMerchant(txs)
	case domain.ReportDetailed:
		report.Transactions = txs
	}

	s.logger.Debug("report generated",
		zap.String("type", string(q.Type)),
		zap.Int("transactions", report.Count),
	)
	return report, nil
}

// collect walks every page of the store listing; results stay newest first.
// The range is capped at asOf so rows committed during the walk cannot shift
// later pages, and a row is never counted twice.
func (s *ReportService) collect(ctx context.Context, q domain.ReportQuery, asOf time.Time) ([]domain.Transaction, error) {
	to := q.To
	if to.After(asOf) {
		to = asOf
	}
	filter := domain.TransactionFilter{
		CardID:   q.CardID,
		From:     q.From,
		To:       to,
		Page:     1,
		PageSize: domain.MaxPageSize,
	}

	seen := make(map[string]struct{})
	var out []domain.Transaction
	for {
		page, err := s.store.ListTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, tx := range page.Items {
			if _, dup := seen[tx.ID]; dup || !tx.Status.MoneyMoved() {
				continue
			}
			seen[tx.ID] = struct{}{}
			out = append(out, tx)
		}
		if !page.HasMore() {
			return out, nil
		}
		filter.Page++
	}
}

func groupByMerchant(txs []domain.Transaction) []domain.MerchantSpend {
	idx := make(map[string]int)
	var out []domain.MerchantSpend
	for _, tx := range txs {
		i, ok := idx[tx.MerchantName]
		if !ok {
			i = len(out)
			idx[tx.MerchantName] = i
			out = append(out, domain.MerchantSpend{Merchant: tx.MerchantName, Total: decimal.Zero})
		}
		out[i].Total = out[i].Total.Add(tx.Amount)
		out[i].Count++
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Total.Equal(out[b].Total) {
			return out[a].Merchant < out[b].Merchant
		}
		return out[a].Total.GreaterThan(out[b].Total)
	})
	return out
}
