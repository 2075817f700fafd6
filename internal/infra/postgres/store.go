// Package postgres is the PostgreSQL LedgerStore. Card exclusivity comes from
// row locks taken inside a database transaction; the balance CHECK constraint
// backs the application-level limit check.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/port"
)

const txLockTimeout = 5 * time.Second

// SQLSTATE codes the store maps onto domain errors.
const (
	codeUniqueViolation  = "23505"
	codeFKViolation      = "23503"
	codeCheckViolation   = "23514"
	codeLockNotAvailable = "55P03"
)

const cardColumns = `id, cardholder_name, card_last4, spending_limit, current_balance, status, created_at, updated_at`

const txColumns = `id, card_id, amount, merchant_name, category, description, status,
	fraud_score, fraud_reason, receipt_verified, receipt_confidence, receipt_verified_at,
	receipt_ref, created_at, updated_at`

// Store implements port.LedgerStore on database/sql with the lib/pq driver.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

var _ port.LedgerStore = (*Store)(nil)

// ============================================================
// Cards
// ============================================================

func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		card.ID, card.CardholderName, card.Last4, card.SpendingLimit, card.CurrentBalance,
		string(card.Status), card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return &domain.ErrConflict{Message: "card already exists: " + card.ID}
		}
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewCardNotFound(cardID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return card, nil
}

func (s *Store) ListCards(ctx context.Context, filter domain.CardFilter) (domain.Page[domain.Card], error) {
	page, pageSize := domain.NormalizePage(filter.Page, filter.PageSize)
	out := domain.Page[domain.Card]{Page: page, PageSize: pageSize, Items: []domain.Card{}}

	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cards`+w.sql(), w.args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count cards: %w", err)
	}

	args := append(w.args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards`+w.sql()+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return out, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return out, fmt.Errorf("failed to scan card: %w", err)
		}
		out.Items = append(out.Items, *c)
	}
	return out, rows.Err()
}

// LockCard opens a database transaction, bounds the row-lock wait with
// lock_timeout and reads the card FOR NO KEY UPDATE. That lock mode excludes
// other balance writers but still lets declined rows referencing the card
// be inserted concurrently.
func (s *Store) LockCard(ctx context.Context, cardID string, timeout time.Duration) (port.CardLock, error) {
	// The transaction outlives ctx so a commit already under way is not
	// rolled back by a client disconnect; the lock wait itself still honours ctx.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := setLockTimeout(ctx, tx, timeout); err != nil {
		tx.Rollback()
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = $1 FOR NO KEY UPDATE`, cardID)
	card, err := scanCard(row)
	if err != nil {
		tx.Rollback()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, domain.NewCardNotFound(cardID)
		case pgCode(err) == codeLockNotAvailable:
			return nil, &domain.ErrLockTimeout{Resource: "card", ID: cardID, Wait: timeout}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock card: %w", err)
	}

	return &cardLock{store: s, tx: tx, card: card}, nil
}

type cardLock struct {
	store *Store
	tx    *sql.Tx
	card  *domain.Card
}

func (l *cardLock) Card() *domain.Card {
	c := *l.card
	return &c
}

// Release rolls back. After Commit it is a no-op.
func (l *cardLock) Release() {
	if err := l.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		l.store.logger.Warn("card lock rollback failed", zap.String("card_id", l.card.ID), zap.Error(err))
	}
}

// Commit applies the balance change and inserts tx in the locked transaction.
func (l *cardLock) Commit(ctx context.Context, tx *domain.Transaction) (*domain.Card, error) {
	defer l.Release()

	card := l.Card()
	if tx.Status.MoneyMoved() {
		row := l.tx.QueryRowContext(ctx,
			`UPDATE cards
			    SET current_balance = current_balance + $2, updated_at = $3
			  WHERE id = $1
			    AND current_balance + $2 >= 0
			    AND current_balance + $2 <= spending_limit
			RETURNING `+cardColumns,
			card.ID, tx.Amount, l.store.now(),
		)
		updated, err := scanCard(row)
		if errors.Is(err, sql.ErrNoRows) || pgCode(err) == codeCheckViolation {
			return nil, &domain.ErrInsufficientFunds{Requested: tx.Amount, Available: card.AvailableBalance()}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
		card = updated
	}

	if err := insertTransaction(ctx, l.tx, tx); err != nil {
		return nil, err
	}
	if err := l.tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return card, nil
}

// ============================================================
// Transactions
// ============================================================

func (s *Store) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewTransactionNotFound(txID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.Page[domain.Transaction], error) {
	page, pageSize := domain.NormalizePage(filter.Page, filter.PageSize)
	out := domain.Page[domain.Transaction]{Page: page, PageSize: pageSize, Items: []domain.Transaction{}}

	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.CardID != "" {
		w.add("card_id = ?", filter.CardID)
	}
	if !filter.From.IsZero() {
		w.add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		w.add("created_at <= ?", filter.To)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions`+w.sql(), w.args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count transactions: %w", err)
	}

	args := append(w.args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions`+w.sql()+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return out, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return out, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out.Items = append(out.Items, *tx)
	}
	return out, rows.Err()
}

func (s *Store) InsertDeclined(ctx context.Context, tx *domain.Transaction) error {
	if tx.Status != domain.StatusDeclined {
		return &domain.ErrValidation{Field: "status", Message: "only declined attempts bypass the card lock"}
	}
	return insertTransaction(ctx, s.db, tx)
}

// UpdateTransaction locks the transaction row FOR UPDATE, applies mutate
// and writes back the mutable columns.
func (s *Store) UpdateTransaction(ctx context.Context, txID string, mutate func(*domain.Transaction) (bool, error)) (*domain.Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if err := setLockTimeout(ctx, dbtx, txLockTimeout); err != nil {
		return nil, err
	}

	current, err := scanTransaction(dbtx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, domain.NewTransactionNotFound(txID)
	case pgCode(err) == codeLockNotAvailable:
		return nil, &domain.ErrLockTimeout{Resource: "transaction", ID: txID, Wait: txLockTimeout}
	case err != nil:
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}

	changed, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}
	current.UpdatedAt = s.now()

	if _, err := dbtx.ExecContext(ctx,
		`UPDATE transactions
		    SET status = $2, receipt_verified = $3, receipt_confidence = $4,
		        receipt_verified_at = $5, receipt_ref = $6, updated_at = $7
		  WHERE id = $1`,
		current.ID, string(current.Status), current.ReceiptVerified, current.ReceiptConfidence,
		nullTime(current.ReceiptVerifiedAt), current.ReceiptRef, current.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return current, nil
}

func (s *Store) ListReconcilable(ctx context.Context, since time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions
		  WHERE receipt_verified = false
		    AND status IN ('approved', 'flagged', 'verified')
		    AND created_at >= $1
		  ORDER BY created_at DESC, id
		  LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable transactions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================
// helpers
// ============================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func insertTransaction(ctx context.Context, db execer, tx *domain.Transaction) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, tx.CardID, tx.Amount, tx.MerchantName, tx.Category, tx.Description, string(tx.Status),
		tx.FraudScore, tx.FraudReason, tx.ReceiptVerified, tx.ReceiptConfidence, nullTime(tx.ReceiptVerifiedAt),
		tx.ReceiptRef, tx.CreatedAt, tx.UpdatedAt,
	)
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case codeUniqueViolation:
		return &domain.ErrConflict{Message: "transaction already exists: " + tx.ID}
	case codeFKViolation:
		return domain.NewCardNotFound(tx.CardID)
	}
	return fmt.Errorf("failed to insert transaction: %w", err)
}

func scanCard(row scanner) (*domain.Card, error) {
	var (
		c      domain.Card
		status string
	)
	if err := row.Scan(&c.ID, &c.CardholderName, &c.Last4, &c.SpendingLimit, &c.CurrentBalance,
		&status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.CardStatus(status)
	return &c, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		tx         domain.Transaction
		status     string
		verifiedAt sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.CardID, &tx.Amount, &tx.MerchantName, &tx.Category, &tx.Description,
		&status, &tx.FraudScore, &tx.FraudReason, &tx.ReceiptVerified, &tx.ReceiptConfidence,
		&verifiedAt, &tx.ReceiptRef, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Status = domain.TransactionStatus(status)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		tx.ReceiptVerifiedAt = &t
	}
	return &tx, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// setLockTimeout bounds row-lock waits for the rest of the transaction.
// SET does not accept bind parameters, so the value is formatted in.
func setLockTimeout(ctx context.Context, tx *sql.Tx, timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, ms)); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}
	return nil
}

// pgCode extracts the SQLSTATE from either driver's error type. The store
// opens lib/pq connections; the pgconn branch serves pgx-backed drivers.
func pgCode(err error) string {
	if err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// where accumulates AND-ed conditions written with ? placeholders and
// renumbers them to $n.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}
