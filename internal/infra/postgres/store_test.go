package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Karkibinod/CorpSpend/internal/domain"
)

func TestWhere_RenumbersPlaceholders(t *testing.T) {
	var w where
	assert.Equal(t, "", w.sql())

	w.add("status = ?", "approved")
	w.add("card_id = ?", "c1")
	assert.Equal(t, " WHERE status = $1 AND card_id = $2", w.sql())
	assert.Equal(t, []any{"approved", "c1"}, w.args)
}

func TestPgCode(t *testing.T) {
	assert.Equal(t, "", pgCode(nil))
	assert.Equal(t, "", pgCode(errors.New("plain")))
	assert.Equal(t, codeLockNotAvailable, pgCode(&pq.Error{Code: codeLockNotAvailable}))
	assert.Equal(t, codeUniqueViolation, pgCode(&pgconn.PgError{Code: codeUniqueViolation}))
}

// ============================================================
// Integration (requires DATABASE_URL)
// ============================================================

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping PostgreSQL integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db, zap.NewNop()))
	return New(db, zap.NewNop())
}

func seedCard(t *testing.T, s *Store, limit, balance string) *domain.Card {
	t.Helper()
	now := time.Now().UTC()
	card := &domain.Card{
		ID:             uuid.NewString(),
		CardholderName: "Integration Test",
		Last4:          "4242",
		SpendingLimit:  decimal.RequireFromString(limit),
		CurrentBalance: decimal.RequireFromString(balance),
		Status:         domain.CardActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateCard(context.Background(), card))
	return card
}

func newTx(cardID, amount string, status domain.TransactionStatus) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:                uuid.NewString(),
		CardID:            cardID,
		Amount:            decimal.RequireFromString(amount),
		MerchantName:      "ACME SUPPLY",
		Status:            status,
		FraudScore:        decimal.Zero,
		ReceiptConfidence: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestIntegration_MigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, Migrate(context.Background(), s.db, zap.NewNop()))

	v, err := SchemaVersion(context.Background(), s.db)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, v)
}

func TestIntegration_CommitMovesBalance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	card := seedCard(t, s, "1000.00", "0.00")

	lk, err := s.LockCard(ctx, card.ID, time.Second)
	require.NoError(t, err)
	updated, err := lk.Commit(ctx, newTx(card.ID, "10.10", domain.StatusApproved))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.10").Equal(updated.CurrentBalance))

	got, err := s.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.10").Equal(got.CurrentBalance))
}

func TestIntegration_ConcurrentChargesNeverExceedLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	card := seedCard(t, s, "1000.00", "900.00")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
		refused  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := s.LockCard(ctx, card.ID, 5*time.Second)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			c := lk.Card()
			amount := decimal.NewFromInt(100)
			if !c.CanSpend(amount) {
				lk.Release()
				mu.Lock()
				refused++
				mu.Unlock()
				return
			}
			if _, err := lk.Commit(ctx, newTx(card.ID, "100", domain.StatusApproved)); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			mu.Lock()
			approved++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, 9, refused)

	got, err := s.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(got.CurrentBalance))
}

func TestIntegration_LockTimeout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	card := seedCard(t, s, "1000.00", "0.00")

	held, err := s.LockCard(ctx, card.ID, time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = s.LockCard(ctx, card.ID, 100*time.Millisecond)
	var lockErr *domain.ErrLockTimeout
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, card.ID, lockErr.ID)
}

func TestIntegration_DeclinedInsertDoesNotWaitForCardLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	card := seedCard(t, s, "1000.00", "0.00")

	held, err := s.LockCard(ctx, card.ID, time.Second)
	require.NoError(t, err)
	defer held.Release()

	insertCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.InsertDeclined(insertCtx, newTx(card.ID, "6000", domain.StatusDeclined)))

	got, err := s.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.IsZero())
}

func TestIntegration_UpdateTransactionAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	card := seedCard(t, s, "1000.00", "0.00")

	tx := newTx(card.ID, "25.00", domain.StatusApproved)
	lk, err := s.LockCard(ctx, card.ID, time.Second)
	require.NoError(t, err)
	_, err = lk.Commit(ctx, tx)
	require.NoError(t, err)

	pending, err := s.ListReconcilable(ctx, time.Now().Add(-time.Hour), 1000)
	require.NoError(t, err)
	found := false
	for _, p := range pending {
		if p.ID == tx.ID {
			found = true
		}
	}
	assert.True(t, found)

	updated, err := s.UpdateTransaction(ctx, tx.ID, func(cur *domain.Transaction) (bool, error) {
		now := time.Now().UTC()
		cur.Status = domain.StatusVerified
		cur.ReceiptVerified = true
		cur.ReceiptConfidence = decimal.RequireFromString("0.95")
		cur.ReceiptVerifiedAt = &now
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerified, updated.Status)

	page, err := s.ListTransactions(ctx, domain.TransactionFilter{CardID: card.ID, Status: domain.StatusVerified})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.True(t, page.Items[0].ReceiptVerified)
	assert.NotNil(t, page.Items[0].ReceiptVerifiedAt)
	assert.True(t, decimal.RequireFromString("0.95").Equal(page.Items[0].ReceiptConfidence))

	_, err = s.UpdateTransaction(ctx, "missing", func(*domain.Transaction) (bool, error) { return false, nil })
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
