package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Receipt Reconciliation
// ============================================================

// ExtractedReceipt is the structured output of OCR extraction.
type ExtractedReceipt struct {
	Merchant string          `json:"merchant"`
	Amount   decimal.Decimal `json:"amount"`
	Date     *time.Time      `json:"date,omitempty"`
}

// MatchResult is the terminal outcome of reconciling one receipt.
type MatchResult struct {
	MatchFound    bool              `json:"match_found"`
	Confidence    decimal.Decimal   `json:"confidence"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Verified      bool              `json:"verified"`
	Extracted     *ExtractedReceipt `json:"extracted,omitempty"`
}

// ReceiptTask is the payload delivered to the reconciliation worker.
type ReceiptTask struct {
	ID            string `json:"task_id"`
	FileReference string `json:"file_reference"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// TaskState mirrors the states a polling client can observe.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

// Terminal reports whether no further transitions happen from this state.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// TaskStatus is returned by GET /v1/receipts/status/{taskId}.
type TaskStatus struct {
	TaskID    string       `json:"task_id"`
	State     TaskState    `json:"status"`
	Result    *MatchResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ReceiptSubmission is the payload of POST /v1/receipts.
type ReceiptSubmission struct {
	FileReference string `json:"file_reference"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// VerifyRequest is the payload of a manual verification. A missing
// confidence means a human reviewer vouched for the receipt (1.0).
type VerifyRequest struct {
	Verified   bool             `json:"verified"`
	Confidence *decimal.Decimal `json:"confidence,omitempty"`
}
