package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Error types for consistent error handling across the ledger.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrFraudDetected indicates a hard block by the fraud engine.
type ErrFraudDetected struct {
	TransactionID string
	Score         decimal.Decimal
	Reasons       []string
}

func (e *ErrFraudDetected) Error() string {
	return fmt.Sprintf("transaction blocked by fraud detection: %s", strings.Join(e.Reasons, "; "))
}

// ErrInsufficientFunds indicates the amount exceeds the card's available balance.
type ErrInsufficientFunds struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: requested=%s available=%s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

// ErrCardInactive indicates the card is frozen or cancelled.
type ErrCardInactive struct {
	CardID string
	Status CardStatus
}

func (e *ErrCardInactive) Error() string {
	return fmt.Sprintf("card %s is %s", e.CardID, e.Status)
}

// ErrLockTimeout indicates the card lock could not be acquired in time.
// No mutation occurred; callers may retry with backoff.
type ErrLockTimeout struct {
	Resource string
	ID       string
	Wait     time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("%s %s is busy: lock not acquired within %s", e.Resource, e.ID, e.Wait)
}

// ErrReconciliationFailed is the terminal error of a receipt task after its retry budget.
type ErrReconciliationFailed struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *ErrReconciliationFailed) Error() string {
	return fmt.Sprintf("reconciliation failed for task %s after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ErrReconciliationFailed) Unwrap() error {
	return e.Err
}

// ErrInvalidState indicates the operation conflicts with the current state of a resource.
type ErrInvalidState struct {
	Resource string
	ID       string
	State    string
	Action   string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Resource, e.ID, e.State)
}

// ErrConflict indicates a resource already exists.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// NewCardNotFound returns the not-found error for a card id.
func NewCardNotFound(id string) error {
	return &ErrNotFound{Resource: "card", ID: id}
}

// NewTransactionNotFound returns the not-found error for a transaction id.
func NewTransactionNotFound(id string) error {
	return &ErrNotFound{Resource: "transaction", ID: id}
}
