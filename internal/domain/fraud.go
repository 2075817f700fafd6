package domain

import "github.com/shopspring/decimal"

// VerdictKind is the outcome class of a fraud evaluation.
type VerdictKind string

const (
	VerdictPass  VerdictKind = "pass"
	VerdictFlag  VerdictKind = "flag"
	VerdictBlock VerdictKind = "block"
)

// Verdict is the result of running every fraud rule against a candidate transaction.
type Verdict struct {
	Blocked bool            `json:"blocked"`
	Flagged bool            `json:"flagged"`
	Score   decimal.Decimal `json:"score"`
	Reasons []string        `json:"reasons,omitempty"`
}

// Kind collapses the verdict into pass/flag/block.
func (v Verdict) Kind() VerdictKind {
	switch {
	case v.Blocked:
		return VerdictBlock
	case v.Flagged:
		return VerdictFlag
	default:
		return VerdictPass
	}
}

// Reason joins the reasons for storage in fraud_reason.
func (v Verdict) Reason() string {
	out := ""
	for i, r := range v.Reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

// FraudCheck carries the attributes a rule may inspect.
type FraudCheck struct {
	CardID       string
	Amount       decimal.Decimal
	MerchantName string
}
