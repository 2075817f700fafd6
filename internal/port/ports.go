// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// TaskStatusStore keeps receipt task statuses for polling. Update is atomic
// per key so concurrent deliveries cannot regress a terminal status.
type TaskStatusStore interface {
	Cache[domain.TaskStatus]
	Update(key string, fn func(current domain.TaskStatus, found bool) (domain.TaskStatus, bool)) (domain.TaskStatus, bool)
}

// LedgerStore persists cards and transactions. Implemented by the in-memory
// store and the PostgreSQL adapter.
type LedgerStore interface {
	// Cards
	CreateCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, cardID string) (*domain.Card, error)
	ListCards(ctx context.Context, filter domain.CardFilter) (domain.Page[domain.Card], error)

	// LockCard takes an exclusive per-card lock and returns the freshly read
	// card under it. Waiting longer than timeout yields *domain.ErrLockTimeout.
	LockCard(ctx context.Context, cardID string, timeout time.Duration) (CardLock, error)

	// Transactions
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.Page[domain.Transaction], error)
	// InsertDeclined records a rejected attempt. It never touches the card balance.
	InsertDeclined(ctx context.Context, tx *domain.Transaction) error
	// UpdateTransaction locks one transaction row, applies mutate to a copy
	// and persists it when mutate reports a change. The card is not locked.
	UpdateTransaction(ctx context.Context, txID string, mutate func(*domain.Transaction) (bool, error)) (*domain.Transaction, error)
	// ListReconcilable returns money-moved, unverified transactions created at or after since.
	ListReconcilable(ctx context.Context, since time.Time, limit int) ([]domain.Transaction, error)

	Ping(ctx context.Context) error
}

// CardLock is a held card lock. Exactly one of Commit or Release ends it.
type CardLock interface {
	// Card is the state read under the lock.
	Card() *domain.Card
	// Commit atomically inserts tx and, when its status moved money, adds
	// tx.Amount to the card balance. The lock is released either way.
	Commit(ctx context.Context, tx *domain.Transaction) (*domain.Card, error)
	// Release drops the lock without changes. Safe to call after Commit.
	Release()
}

// VelocityTracker counts recent transaction attempts per card.
type VelocityTracker interface {
	// Hit records an attempt at the given time and returns the number of
	// attempts (including this one) inside the trailing window.
	Hit(ctx context.Context, cardID string, at time.Time) (int, error)
}

// ReceiptExtractor turns a stored receipt into structured fields (OCR output).
type ReceiptExtractor interface {
	Extract(ctx context.Context, fileRef string) (*domain.ExtractedReceipt, error)
}

// TaskQueue delivers receipt tasks at least once to a handler.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.ReceiptTask) error
}
