package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	scoreCeiling  = decimal.NewFromInt(1)
	hardBlockMark = decimal.NewFromInt(1)
)

// RuleOutcome is what a single fraud rule reports.
type RuleOutcome struct {
	Violated bool
	Weight   decimal.Decimal
	Reason   string
}

// Rule is one independent fraud check. Rules with Weight >= 1 block on their own.
type Rule struct {
	Name  string
	Check func(ctx context.Context, c domain.FraudCheck) (RuleOutcome, error)
}

// FraudConfig tunes the default rule set.
type FraudConfig struct {
	MaxAmount      decimal.Decimal
	FlagThreshold  decimal.Decimal
	VelocityLimit  int
	VelocityWeight decimal.Decimal
	Blacklist      []string
}

// FraudEngine evaluates candidate transactions against an ordered rule list.
// It holds no card locks and never touches the ledger store.
type FraudEngine struct {
	mu            sync.RWMutex
	rules         []Rule
	flagThreshold decimal.Decimal
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewFraudEngine builds the engine with the amount, blacklist and velocity rules, in that order.
func NewFraudEngine(cfg FraudConfig, velocity port.VelocityTracker, metrics *observability.Metrics, logger *zap.Logger) *FraudEngine {
	return &FraudEngine{
		rules: []Rule{
			AmountThresholdRule(cfg.MaxAmount),
			MerchantBlacklistRule(cfg.Blacklist),
			VelocityRule(velocity, cfg.VelocityLimit, cfg.VelocityWeight, time.Now),
		},
		flagThreshold: cfg.FlagThreshold,
		metrics:       metrics,
		logger:        logger,
	}
}

// AddRule appends a custom rule after the defaults.
func (e *FraudEngine) AddRule(r Rule) {
	e.mu.Lock()
	e.rules = append(e.rules, r)
	e.mu.Unlock()
	e.logger.Info("fraud rule added", zap.String("rule", r.Name))
}

// Evaluate runs the rules in order. Score accumulates the weight of every
// violated rule, capped at 1. The first rule with weight >= 1 blocks and
// stops evaluation. A rule that errors is logged and skipped.
func (e *FraudEngine) Evaluate(ctx context.Context, c domain.FraudCheck) domain.Verdict {
	ctx, span := tracer.Start(ctx, "FraudEngine.Evaluate")
	defer span.End()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	v := domain.Verdict{Score: decimal.Zero}
	for _, rule := range rules {
		out, err := rule.Check(ctx, c)
		if err != nil {
			e.logger.Error("fraud rule failed",
				zap.String("rule", rule.Name),
				zap.String("card_id", c.CardID),
				zap.Error(err),
			)
			continue
		}
		if !out.Violated {
			continue
		}

		v.Score = decimal.Min(scoreCeiling, v.Score.Add(out.Weight))
		v.Reasons = append(v.Reasons, out.Reason)
		e.logger.Warn("fraud rule violated",
			zap.String("rule", rule.Name),
			zap.String("card_id", c.CardID),
			zap.String("reason", out.Reason),
		)

		if out.Weight.GreaterThanOrEqual(hardBlockMark) {
			v.Blocked = true
			break
		}
	}

	v.Score = v.Score.Round(4)
	v.Flagged = !v.Blocked && v.Score.GreaterThanOrEqual(e.flagThreshold)

	span.SetAttributes(
		attribute.String("fraud.verdict", string(v.Kind())),
		attribute.String("fraud.score", v.Score.String()),
	)
	e.metrics.IncrFraudVerdict(v.Kind())
	return v
}

// ============================================================
// Default rules
// ============================================================

// AmountThresholdRule blocks amounts strictly above max.
func AmountThresholdRule(max decimal.Decimal) Rule {
	return Rule{
		Name: "amount_threshold",
		Check: func(_ context.Context, c domain.FraudCheck) (RuleOutcome, error) {
			if c.Amount.GreaterThan(max) {
				return RuleOutcome{
					Violated: true,
					Weight:   hardBlockMark,
					Reason: fmt.Sprintf("amount %s exceeds maximum allowed %s",
						c.Amount.StringFixed(2), max.StringFixed(2)),
				}, nil
			}
			return RuleOutcome{}, nil
		},
	}
}

// MerchantBlacklistRule blocks merchants equal to or containing a blacklisted
// entry, ignoring case and spacing.
func MerchantBlacklistRule(entries []string) Rule {
	normalized := make([]string, 0, len(entries))
	for _, e := range entries {
		if n := domain.NormalizeMerchant(e); n != "" {
			normalized = append(normalized, n)
		}
	}

	return Rule{
		Name: "merchant_blacklist",
		Check: func(_ context.Context, c domain.FraudCheck) (RuleOutcome, error) {
			merchant := domain.NormalizeMerchant(c.MerchantName)
			for _, entry := range normalized {
				if merchant == entry {
					return RuleOutcome{Violated: true, Weight: hardBlockMark,
						Reason: fmt.Sprintf("merchant %q is blacklisted", merchant)}, nil
				}
				if strings.Contains(merchant, entry) {
					return RuleOutcome{Violated: true, Weight: hardBlockMark,
						Reason: fmt.Sprintf("merchant %q matches blacklist entry %q", merchant, entry)}, nil
				}
			}
			return RuleOutcome{}, nil
		},
	}
}

// VelocityRule records the attempt and flags more than limit attempts in the
// tracker's window. Its weight alone is below the block mark.
func VelocityRule(tracker port.VelocityTracker, limit int, weight decimal.Decimal, now func() time.Time) Rule {
	return Rule{
		Name: "velocity",
		Check: func(ctx context.Context, c domain.FraudCheck) (RuleOutcome, error) {
			n, err := tracker.Hit(ctx, c.CardID, now())
			if err != nil {
				return RuleOutcome{}, fmt.Errorf("velocity lookup: %w", err)
			}
			if n > limit {
				return RuleOutcome{Violated: true, Weight: weight,
					Reason: fmt.Sprintf("too many transactions in short period (%d, limit %d)", n, limit)}, nil
			}
			return RuleOutcome{}, nil
		},
	}
}
