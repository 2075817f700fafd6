package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	amountWeight   = decimal.RequireFromString("0.6")
	merchantWeight = decimal.RequireFromString("0.4")
	substringScore = decimal.RequireFromString("0.9")
	one            = decimal.NewFromInt(1)
	two            = decimal.NewFromInt(2)
)

// ReconcilerConfig tunes receipt matching.
type ReconcilerConfig struct {
	AutoVerifyThreshold decimal.Decimal // confidence at or above verifies
	MinMatchConfidence  decimal.Decimal // below this a search reports no match
	SearchWindow        time.Duration
	CandidateLimit      int
}

// Reconciler matches OCR-extracted receipt fields to recorded transactions.
// Matching runs without any lock; only the final verification writes.
type Reconciler struct {
	store  port.LedgerStore
	ledger *LedgerService
	cfg    ReconcilerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store port.LedgerStore, ledger *LedgerService, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile scores extracted against the hinted transaction, or against the
// recent unverified window when hintTxID is empty, and verifies the best
// match when its confidence reaches the auto-verify threshold. fileRef, when
// given, is stored on the transaction in the same write as the verification.
// A low-confidence or missing match is a normal outcome, not an error.
//
// Thresholds compare the unrounded score; the result reports it rounded to 4 places.
func (r *Reconciler) Reconcile(ctx context.Context, extracted *domain.ExtractedReceipt, hintTxID, fileRef string) (*domain.MatchResult, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Reconcile")
	defer span.End()

	if extracted == nil || !extracted.Amount.IsPositive() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "extracted receipt has no positive amount"}
	}

	result := &domain.MatchResult{Confidence: decimal.Zero, Extracted: extracted}
	score := decimal.Zero

	if hintTxID != "" {
		tx, err := r.store.GetTransaction(ctx, hintTxID)
		if err != nil {
			var notFound *domain.ErrNotFound
			if errors.As(err, &notFound) {
				r.logger.Info("hinted transaction not found", zap.String("transaction_id", hintTxID))
				return result, nil
			}
			return nil, err
		}
		if !tx.Status.MoneyMoved() {
			return result, nil
		}
		result.MatchFound = true
		result.TransactionID = tx.ID
		score = MatchConfidence(extracted, tx)
	} else {
		candidates, err := r.store.ListReconcilable(ctx, r.now().Add(-r.cfg.SearchWindow), r.cfg.CandidateLimit)
		if err != nil {
			return nil, err
		}
		var best *domain.Transaction
		for i := range candidates {
			c := MatchConfidence(extracted, &candidates[i])
			if best == nil || c.GreaterThan(score) {
				best = &candidates[i]
				score = c
			}
		}
		if best != nil && score.GreaterThanOrEqual(r.cfg.MinMatchConfidence) {
			result.MatchFound = true
			result.TransactionID = best.ID
		}
	}
	result.Confidence = score.Round(4)

	span.SetAttributes(
		attribute.Bool("match.found", result.MatchFound),
		attribute.String("match.confidence", result.Confidence.String()),
	)

	if !result.MatchFound || score.LessThan(r.cfg.AutoVerifyThreshold) {
		r.logger.Info("receipt left for manual review",
			zap.Bool("match_found", result.MatchFound),
			zap.String("transaction_id", result.TransactionID),
			zap.String("confidence", result.Confidence.String()),
		)
		return result, nil
	}

	tx, err := r.ledger.verifyReceipt(ctx, result.TransactionID, true, score, fileRef)
	if err != nil {
		return nil, err
	}
	result.Verified = tx.ReceiptVerified
	return result, nil
}

// MatchConfidence is 0.6*amount similarity + 0.4*merchant similarity, unrounded.
func MatchConfidence(extracted *domain.ExtractedReceipt, tx *domain.Transaction) decimal.Decimal {
	return amountWeight.Mul(AmountSimilarity(extracted.Amount, tx.Amount)).
		Add(merchantWeight.Mul(MerchantSimilarity(extracted.Merchant, tx.MerchantName)))
}

// AmountSimilarity is 1 for equal amounts and falls linearly to 0 when the
// difference reaches half of the larger amount.
func AmountSimilarity(a, b decimal.Decimal) decimal.Decimal {
	if a.Equal(b) {
		return one
	}
	larger := decimal.Max(a.Abs(), b.Abs())
	if larger.IsZero() {
		return decimal.Zero
	}
	rel := a.Sub(b).Abs().DivRound(larger, 8)
	sim := one.Sub(two.Mul(rel))
	if sim.IsNegative() {
		return decimal.Zero
	}
	return sim
}

// MerchantSimilarity compares normalized names: exact 1.0, containment 0.9,
// otherwise the Levenshtein ratio.
func MerchantSimilarity(a, b string) decimal.Decimal {
	a, b = domain.NormalizeMerchant(a), domain.NormalizeMerchant(b)
	switch {
	case a == "" || b == "":
		return decimal.Zero
	case a == b:
		return one
	case strings.Contains(a, b) || strings.Contains(b, a):
		return substringScore
	}

	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	dist := levenshtein(ra, rb)
	return decimal.NewFromInt(int64(longest - dist)).DivRound(decimal.NewFromInt(int64(longest)), 8)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
