package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Card Transactions
// ============================================================

// TransactionStatus is the state of a transaction.
//
//	pending -> approved | declined
//	approved -> verified
//
// flagged is an approved transaction marked for review.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusApproved TransactionStatus = "approved"
	StatusDeclined TransactionStatus = "declined"
	StatusFlagged  TransactionStatus = "flagged"
	StatusVerified TransactionStatus = "verified"
)

// MoneyMoved reports whether a transaction in this status changed the card balance.
func (s TransactionStatus) MoneyMoved() bool {
	switch s {
	case StatusApproved, StatusFlagged, StatusVerified:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined, StatusFlagged, StatusVerified:
		return true
	}
	return false
}

// Transaction is an append-only record of a charge attempt against a card.
// After creation only Status and the receipt fields change.
type Transaction struct {
	ID                string            `json:"id"`
	CardID            string            `json:"card_id"`
	Amount            decimal.Decimal   `json:"amount"`
	MerchantName      string            `json:"merchant_name"`
	Category          string            `json:"category,omitempty"`
	Description       string            `json:"description,omitempty"`
	Status            TransactionStatus `json:"status"`
	FraudScore        decimal.Decimal   `json:"fraud_score"`
	FraudReason       string            `json:"fraud_reason,omitempty"`
	ReceiptVerified   bool              `json:"receipt_verified"`
	ReceiptConfidence decimal.Decimal   `json:"receipt_confidence"`
	ReceiptVerifiedAt *time.Time        `json:"receipt_verified_at,omitempty"`
	ReceiptRef        string            `json:"receipt_ref,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TransactionRequest is a validated charge request.
type TransactionRequest struct {
	CardID       string          `json:"card_id"`
	Amount       decimal.Decimal `json:"amount"`
	MerchantName string          `json:"merchant_name"`
	Category     string          `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// TransactionFilter narrows transaction listings. Zero values mean "any".
type TransactionFilter struct {
	Status   TransactionStatus
	CardID   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// Matches reports whether tx passes the filter (pagination excluded).
func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.CardID != "" && tx.CardID != f.CardID {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Page is one page of a filtered listing.
type Page[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
}

// HasMore reports whether more items follow this page.
func (p Page[T]) HasMore() bool {
	return p.Page*p.PageSize < p.Total
}

// NormalizeMerchant upper-cases and collapses whitespace so merchant names
// compare case-insensitively everywhere.
func NormalizeMerchant(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// Pagination defaults shared by every store.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps page to >= 1 and pageSize to [1, MaxPageSize].
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
