package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func reconcilerConfig() service.ReconcilerConfig {
	return service.ReconcilerConfig{
		AutoVerifyThreshold: decimal.RequireFromString("0.80"),
		MinMatchConfidence:  decimal.RequireFromString("0.70"),
		SearchWindow:        7 * 24 * time.Hour,
		CandidateLimit:      500,
	}
}

func (f *fixture) reconciler() *service.Reconciler {
	return service.NewReconciler(f.store, f.ledger, reconcilerConfig(), zap.NewNop())
}

func receipt(merchant, amount string) *domain.ExtractedReceipt {
	return &domain.ExtractedReceipt{Merchant: merchant, Amount: decimal.RequireFromString(amount)}
}

func TestAmountSimilarity(t *testing.T) {
	cases := []struct {
		a, b, want string
	}{
		{"100", "100", "1"},
		{"100", "90", "0.8"},
		{"100", "50", "0"},
		{"100", "10", "0"},
		{"82.50", "100", "0.65"},
	}
	for _, c := range cases {
		got := service.AmountSimilarity(decimal.RequireFromString(c.a), decimal.RequireFromString(c.b))
		assert.True(t, decimal.RequireFromString(c.want).Equal(got), "%s vs %s: got %s", c.a, c.b, got)
	}
}

func TestMerchantSimilarity(t *testing.T) {
	assert.Equal(t, "1", service.MerchantSimilarity("Acme  Corp", "ACME CORP").String())
	assert.Equal(t, "0.9", service.MerchantSimilarity("ACME", "ACME CORP").String())
	assert.Equal(t, "0.5", service.MerchantSimilarity("ABCD", "ABXY").String())
	assert.True(t, service.MerchantSimilarity("", "ACME").IsZero())
}

func TestMatchConfidence_Boundaries(t *testing.T) {
	tx := &domain.Transaction{Amount: decimal.NewFromInt(100), MerchantName: "ABCD"}
	assert.Equal(t, "0.8", service.MatchConfidence(receipt("ABXY", "100"), tx).String())

	tx = &domain.Transaction{Amount: decimal.NewFromInt(100), MerchantName: "ACME"}
	assert.Equal(t, "0.79", service.MatchConfidence(receipt("ACME", "82.50"), tx).String())
}

func TestReconcile_HintVerifiesAtThreshold(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	tx, err := f.charge(card.ID, "100", "ABCD")
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(context.Background(), receipt("ABXY", "100"), tx.ID, "")
	require.NoError(t, err)
	assert.True(t, res.MatchFound)
	assert.True(t, res.Verified)
	assert.Equal(t, tx.ID, res.TransactionID)

	got, err := f.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerified, got.Status)
	assert.Equal(t, "0.8", got.ReceiptConfidence.String())
}

func TestReconcile_ThresholdComparesUnroundedScore(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	tx, err := f.charge(card.ID, "100.00", "ACME")
	require.NoError(t, err)

	extracted := receipt("ACME", "83.33")
	assert.Equal(t, "0.79996", service.MatchConfidence(extracted, tx).String())

	res, err := f.reconciler().Reconcile(context.Background(), extracted, tx.ID, "r.jpg")
	require.NoError(t, err)
	assert.True(t, res.MatchFound)
	assert.False(t, res.Verified)
	assert.Equal(t, "0.8", res.Confidence.String())

	got, err := f.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.False(t, got.ReceiptVerified)
	assert.Empty(t, got.ReceiptRef)
}

func TestReconcile_HintBelowThresholdLeavesUnverified(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	tx, err := f.charge(card.ID, "100", "ACME")
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(context.Background(), receipt("ACME", "82.50"), tx.ID, "")
	require.NoError(t, err)
	assert.True(t, res.MatchFound)
	assert.False(t, res.Verified)
	assert.Equal(t, "0.79", res.Confidence.String())

	got, err := f.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.False(t, got.ReceiptVerified)
}

func TestReconcile_HintMissingOrDeclined(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	r := f.reconciler()

	res, err := r.Reconcile(context.Background(), receipt("ACME", "10"), "missing", "")
	require.NoError(t, err)
	assert.False(t, res.MatchFound)

	_, err = f.charge(card.ID, "6000", "ACME")
	require.Error(t, err)
	declined := f.declined(t, card.ID)
	require.Len(t, declined, 1)

	res, err = r.Reconcile(context.Background(), receipt("ACME", "6000"), declined[0].ID, "")
	require.NoError(t, err)
	assert.False(t, res.MatchFound)
	assert.True(t, res.Confidence.IsZero())
}

func TestReconcile_SearchPicksBestCandidate(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")

	_, err := f.charge(card.ID, "12.00", "STAPLES")
	require.NoError(t, err)
	want, err := f.charge(card.ID, "45.90", "DELTA AIR LINES")
	require.NoError(t, err)
	_, err = f.charge(card.ID, "46.00", "UBER")
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(context.Background(), receipt("Delta Air Lines", "45.90"), "", "")
	require.NoError(t, err)
	assert.True(t, res.MatchFound)
	assert.True(t, res.Verified)
	assert.Equal(t, want.ID, res.TransactionID)
	assert.Equal(t, "1", res.Confidence.String())
}

func TestReconcile_SearchBelowMinimumReportsNoMatch(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)
	card := f.card(t, "1000.00")
	_, err := f.charge(card.ID, "500.00", "HILTON")
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(context.Background(), receipt("STARBUCKS", "4.50"), "", "")
	require.NoError(t, err)
	assert.False(t, res.MatchFound)
	assert.Empty(t, res.TransactionID)
	assert.False(t, res.Verified)
}

func TestReconcile_RejectsEmptyAmount(t *testing.T) {
	f := newFixture(t, defaultFraudConfig(), time.Second)

	_, err := f.reconciler().Reconcile(context.Background(), &domain.ExtractedReceipt{Merchant: "ACME"}, "", "")
	var verr *domain.ErrValidation
	assert.ErrorAs(t, err, &verr)
}
