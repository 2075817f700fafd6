package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportType selects the spending report layout.
type ReportType string

const (
	ReportSummary    ReportType = "summary"
	ReportByMerchant ReportType = "by_merchant"
	ReportDetailed   ReportType = "detailed"
)

// ReportQuery scopes a spending report.
type ReportQuery struct {
	Type   ReportType
	CardID string
	From   time.Time
	To     time.Time
}

// MerchantSpend aggregates spend per merchant.
type MerchantSpend struct {
	Merchant string          `json:"merchant"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// SpendingReport is the output of the report generator. Only the section
// matching Type is populated.
type SpendingReport struct {
	Type         ReportType      `json:"report_type"`
	CardID       string          `json:"card_id,omitempty"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Total        decimal.Decimal `json:"total"`
	Count        int             `json:"count"`
	Average      decimal.Decimal `json:"average"`
	ByMerchant   []MerchantSpend `json:"by_merchant,omitempty"`
	Transactions []Transaction   `json:"transactions,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
