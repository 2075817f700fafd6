package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/memstore"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedSpend(t *testing.T, f *fixture) *domain.Card {
	t.Helper()
	card := f.card(t, "5000.00")
	for _, c := range []struct{ amount, merchant string }{
		{"100.00", "DELTA"},
		{"50.00", "STAPLES"},
		{"25.50", "STAPLES"},
		{"200.00", "DELTA"},
	} {
		_, err := f.charge(card.ID, c.amount, c.merchant)
		require.NoError(t, err)
	}
	_, err := f.charge(card.ID, "9999", "DELTA") // declined, excluded
	require.Error(t, err)
	return card
}

func window() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func TestGenerate_Summary(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := seedSpend(t, f)
	from, to := window()

	rep, err := service.NewReportService(f.store, zap.NewNop()).Generate(context.Background(), domain.ReportQuery{
		Type: domain.ReportSummary, CardID: card.ID, From: from, To: to,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Count)
	assert.Equal(t, "375.50", rep.Total.StringFixed(2))
	assert.Equal(t, "93.88", rep.Average.StringFixed(2))
	assert.Nil(t, rep.ByMerchant)
	assert.Nil(t, rep.Transactions)
}

func TestGenerate_ByMerchant(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	seedSpend(t, f)
	from, to := window()

	rep, err := service.NewReportService(f.store, zap.NewNop()).Generate(context.Background(), domain.ReportQuery{
		Type: domain.ReportByMerchant, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, rep.ByMerchant, 2)
	assert.Equal(t, "DELTA", rep.ByMerchant[0].Merchant)
	assert.Equal(t, "300.00", rep.ByMerchant[0].Total.StringFixed(2))
	assert.Equal(t, 2, rep.ByMerchant[0].Count)
	assert.Equal(t, "STAPLES", rep.ByMerchant[1].Merchant)
	assert.Equal(t, "75.50", rep.ByMerchant[1].Total.StringFixed(2))
}

func TestGenerate_Detailed(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	seedSpend(t, f)
	from, to := window()

	rep, err := service.NewReportService(f.store, zap.NewNop()).Generate(context.Background(), domain.ReportQuery{
		Type: domain.ReportDetailed, From: from, To: to,
	})
	require.NoError(t, err)
	assert.Len(t, rep.Transactions, 4)
	for _, tx := range rep.Transactions {
		assert.NotEqual(t, domain.StatusDeclined, tx.Status)
	}
}

func TestGenerate_Validation(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	svc := service.NewReportService(f.store, zap.NewNop())
	from, to := window()

	for _, q := range []domain.ReportQuery{
		{Type: "weekly", From: from, To: to},
		{Type: domain.ReportSummary, To: to},
		{Type: domain.ReportSummary, From: to, To: from},
	} {
		_, err := svc.Generate(context.Background(), q)
		var verr *domain.ErrValidation
		assert.ErrorAs(t, err, &verr, "query %+v", q)
	}
}

// chargingStore runs onFirstPage once, right after the first listing page is served.
type chargingStore struct {
	*memstore.Store
	onFirstPage func()
	done        bool
}

func (s *chargingStore) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.Page[domain.Transaction], error) {
	page, err := s.Store.ListTransactions(ctx, filter)
	if err == nil && filter.Page == 1 && !s.done {
		s.done = true
		s.onFirstPage()
	}
	return page, err
}

func TestGenerate_ChargeDuringPagingCountedOnce(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	for i := 0; i < domain.MaxPageSize+1; i++ {
		_, err := f.charge(card.ID, "1.00", "STAPLES")
		require.NoError(t, err)
	}

	store := &chargingStore{Store: f.store}
	store.onFirstPage = func() {
		_, err := f.charge(card.ID, "1.00", "STAPLES")
		require.NoError(t, err)
	}

	from, to := window()
	rep, err := service.NewReportService(store, zap.NewNop()).Generate(context.Background(), domain.ReportQuery{
		Type: domain.ReportDetailed, CardID: card.ID, From: from, To: to,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MaxPageSize+1, rep.Count)
	assert.Equal(t, "101.00", rep.Total.StringFixed(2))

	ids := make(map[string]bool, len(rep.Transactions))
	for _, tx := range rep.Transactions {
		assert.False(t, ids[tx.ID], "transaction %s reported twice", tx.ID)
		ids[tx.ID] = true
	}
}
