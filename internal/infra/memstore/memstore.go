// Package memstore is an in-process LedgerStore. Card balances are guarded
// by an application-level lock table keyed by card id.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/lock"
	"github.com/Karkibinod/CorpSpend/internal/port"
)

const txLockTimeout = 5 * time.Second

// Store keeps cards and transactions in maps. mu guards the maps only; the
// per-card and per-transaction exclusivity comes from the lock tables.
type Store struct {
	mu      sync.RWMutex
	cards   map[string]*domain.Card
	txs     map[string]*domain.Transaction
	cardLks *lock.Table
	txLks   *lock.Table
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		cards:   make(map[string]*domain.Card),
		txs:     make(map[string]*domain.Transaction),
		cardLks: lock.NewTable(),
		txLks:   lock.NewTable(),
		now:     time.Now,
	}
}

var _ port.LedgerStore = (*Store)(nil)

// ============================================================
// Cards
// ============================================================

func (s *Store) CreateCard(_ context.Context, card *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[card.ID]; ok {
		return &domain.ErrConflict{Message: "card already exists: " + card.ID}
	}
	c := *card
	s.cards[c.ID] = &c
	return nil
}

func (s *Store) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[cardID]
	if !ok {
		return nil, domain.NewCardNotFound(cardID)
	}
	out := *c
	return &out, nil
}

func (s *Store) ListCards(_ context.Context, filter domain.CardFilter) (domain.Page[domain.Card], error) {
	s.mu.RLock()
	all := make([]domain.Card, 0, len(s.cards))
	for _, c := range s.cards {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		all = append(all, *c)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, filter.Page, filter.PageSize), nil
}

// LockCard waits for the card's lock and snapshots the card under it.
func (s *Store) LockCard(ctx context.Context, cardID string, timeout time.Duration) (port.CardLock, error) {
	if _, err := s.GetCard(ctx, cardID); err != nil {
		return nil, err
	}

	release, err := s.cardLks.Acquire(ctx, cardID, timeout)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, &domain.ErrLockTimeout{Resource: "card", ID: cardID, Wait: timeout}
		}
		return nil, err
	}

	card, err := s.GetCard(ctx, cardID)
	if err != nil {
		release()
		return nil, err
	}
	return &cardLock{store: s, card: card, release: release}, nil
}

type cardLock struct {
	store   *Store
	card    *domain.Card
	release func()
}

func (l *cardLock) Card() *domain.Card {
	c := *l.card
	return &c
}

func (l *cardLock) Release() {
	l.release()
}

// Commit inserts tx and applies its amount to the balance in one step.
func (l *cardLock) Commit(_ context.Context, tx *domain.Transaction) (*domain.Card, error) {
	defer l.release()

	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[l.card.ID]
	if !ok {
		return nil, domain.NewCardNotFound(l.card.ID)
	}
	if _, dup := s.txs[tx.ID]; dup {
		return nil, &domain.ErrConflict{Message: "transaction already exists: " + tx.ID}
	}

	next := *card
	if tx.Status.MoneyMoved() {
		balance := card.CurrentBalance.Add(tx.Amount)
		if balance.IsNegative() || balance.GreaterThan(card.SpendingLimit) {
			return nil, &domain.ErrInsufficientFunds{Requested: tx.Amount, Available: card.AvailableBalance()}
		}
		next.CurrentBalance = balance
		next.UpdatedAt = s.now()
	}

	row := *tx
	s.txs[row.ID] = &row
	s.cards[next.ID] = &next

	out := next
	return &out, nil
}

// ============================================================
// Transactions
// ============================================================

func (s *Store) GetTransaction(_ context.Context, txID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txID]
	if !ok {
		return nil, domain.NewTransactionNotFound(txID)
	}
	out := *tx
	return &out, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) (domain.Page[domain.Transaction], error) {
	s.mu.RLock()
	all := make([]domain.Transaction, 0)
	for _, tx := range s.txs {
		if filter.Matches(tx) {
			all = append(all, *tx)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(all)
	return paginate(all, filter.Page, filter.PageSize), nil
}

func (s *Store) InsertDeclined(_ context.Context, tx *domain.Transaction) error {
	if tx.Status != domain.StatusDeclined {
		return &domain.ErrValidation{Field: "status", Message: "only declined attempts bypass the card lock"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[tx.CardID]; !ok {
		return domain.NewCardNotFound(tx.CardID)
	}
	if _, dup := s.txs[tx.ID]; dup {
		return &domain.ErrConflict{Message: "transaction already exists: " + tx.ID}
	}
	row := *tx
	s.txs[row.ID] = &row
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, txID string, mutate func(*domain.Transaction) (bool, error)) (*domain.Transaction, error) {
	release, err := s.txLks.Acquire(ctx, txID, txLockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, &domain.ErrLockTimeout{Resource: "transaction", ID: txID, Wait: txLockTimeout}
		}
		return nil, err
	}
	defer release()

	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	changed, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}
	current.UpdatedAt = s.now()

	s.mu.Lock()
	row := *current
	s.txs[txID] = &row
	s.mu.Unlock()

	return current, nil
}

func (s *Store) ListReconcilable(_ context.Context, since time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	out := make([]domain.Transaction, 0)
	for _, tx := range s.txs {
		if !tx.Status.MoneyMoved() || tx.ReceiptVerified || tx.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *tx)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// ============================================================
// helpers
// ============================================================

func sortNewestFirst(txs []domain.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

func paginate[T any](items []T, page, pageSize int) domain.Page[T] {
	page, pageSize = domain.NormalizePage(page, pageSize)

	start := (page - 1) * pageSize
	if start > len(items) {
		start = len(items)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return domain.Page[T]{
		Items:    items[start:end],
		Total:    len(items),
		Page:     page,
		PageSize: pageSize,
	}
}
