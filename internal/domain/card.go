package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Corporate Spending Card
// ============================================================

// CardStatus is the lifecycle state of a card.
type CardStatus string

const (
	CardActive    CardStatus = "active"
	CardFrozen    CardStatus = "frozen"
	CardCancelled CardStatus = "cancelled"
)

// Card is a corporate spending card. CurrentBalance is the running sum of
// money-moving transactions and is only mutated by the ledger under the card lock.
type Card struct {
	ID             string          `json:"id"`
	CardholderName string          `json:"cardholder_name"`
	Last4          string          `json:"card_last4"`
	SpendingLimit  decimal.Decimal `json:"spending_limit"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Status         CardStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AvailableBalance is derived, never stored.
func (c *Card) AvailableBalance() decimal.Decimal {
	return c.SpendingLimit.Sub(c.CurrentBalance)
}

// IsActive reports whether the card accepts new transactions.
func (c *Card) IsActive() bool {
	return c.Status == CardActive
}

// CanSpend reports whether amount fits in the available balance.
func (c *Card) CanSpend(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(c.AvailableBalance())
}

// CreateCardRequest is the payload to issue a new card.
type CreateCardRequest struct {
	CardholderName string          `json:"cardholder_name"`
	SpendingLimit  decimal.Decimal `json:"spending_limit"`
	Last4          string          `json:"card_last4,omitempty"`
}

// CardBalance is returned by GET /v1/cards/{cardId}/balance.
type CardBalance struct {
	CardID           string          `json:"card_id"`
	SpendingLimit    decimal.Decimal `json:"spending_limit"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Status           CardStatus      `json:"status"`
}

// CardFilter narrows card listings.
type CardFilter struct {
	Status   CardStatus
	Page     int
	PageSize int
}
