package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/ledger")

// maxMoneyPlaces is the precision of stored amounts (cents).
const maxMoneyPlaces = 2

// LedgerService owns every balance mutation. Fraud evaluation happens before
// the card lock; validation and commit happen under it.
type LedgerService struct {
	store       port.LedgerStore
	fraud       *FraudEngine
	lockTimeout time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(store port.LedgerStore, fraud *FraudEngine, lockTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:       store,
		fraud:       fraud,
		lockTimeout: lockTimeout,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================
// Cards
// ============================================================

// CreateCard issues an active card with a zero balance.
func (s *LedgerService) CreateCard(ctx context.Context, req *domain.CreateCardRequest) (*domain.Card, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.CreateCard")
	defer span.End()

	name := strings.TrimSpace(req.CardholderName)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "cardholder_name", Message: "is required"}
	}
	if err := validateMoney("spending_limit", req.SpendingLimit); err != nil {
		return nil, err
	}
	if req.Last4 != "" && !isDigits(req.Last4, 4) {
		return nil, &domain.ErrValidation{Field: "card_last4", Message: "must be exactly 4 digits"}
	}

	now := s.now()
	card := &domain.Card{
		ID:             uuid.New().String(),
		CardholderName: name,
		Last4:          req.Last4,
		SpendingLimit:  req.SpendingLimit,
		CurrentBalance: decimal.Zero,
		Status:         domain.CardActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		return nil, err
	}

	s.logger.Info("card created",
		zap.String("card_id", card.ID),
		zap.String("spending_limit", card.SpendingLimit.StringFixed(2)),
	)
	return card, nil
}

// GetCard returns a card by id.
func (s *LedgerService) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	return s.store.GetCard(ctx, cardID)
}

// GetCardBalance is a non-locking read of a card's balance figures.
func (s *LedgerService) GetCardBalance(ctx context.Context, cardID string) (*domain.CardBalance, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return &domain.CardBalance{
		CardID:           card.ID,
		SpendingLimit:    card.SpendingLimit,
		CurrentBalance:   card.CurrentBalance,
		AvailableBalance: card.AvailableBalance(),
		Status:           card.Status,
	}, nil
}

// ListCards returns a page of cards.
func (s *LedgerService) ListCards(ctx context.Context, filter domain.CardFilter) (domain.Page[domain.Card], error) {
	switch filter.Status {
	case "", domain.CardActive, domain.CardFrozen, domain.CardCancelled:
	default:
		return domain.Page[domain.Card]{}, &domain.ErrValidation{Field: "status", Message: "unknown card status"}
	}
	return s.store.ListCards(ctx, filter)
}

// ============================================================
// Transactions
// ============================================================

// GetTransaction returns a transaction by id.
func (s *LedgerService) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, txID)
}

// ListTransactions returns a page of transactions.
func (s *LedgerService) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.Page[domain.Transaction], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.Page[domain.Transaction]{}, &domain.ErrValidation{Field: "status", Message: "unknown transaction status"}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return domain.Page[domain.Transaction]{}, &domain.ErrValidation{Field: "end_date", Message: "must not be before start_date"}
	}
	return s.store.ListTransactions(ctx, filter)
}

// ProcessTransaction runs a charge through fraud evaluation, the card lock,
// funds validation and an atomic commit.
//
// Rejected attempts against an existing card are persisted as declined rows
// for audit; they never touch the balance. Cancelling ctx before the commit
// aborts with no balance change; once the commit starts it runs to completion.
func (s *LedgerService) ProcessTransaction(ctx context.Context, req *domain.TransactionRequest) (*domain.Transaction, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "LedgerService.ProcessTransaction")
	defer span.End()
	defer func() { s.metrics.RecordRequestDuration("process_transaction", time.Since(start)) }()

	req.MerchantName = domain.NormalizeMerchant(req.MerchantName)
	if err := validateTransaction(req); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("card.id", req.CardID),
		attribute.String("tx.amount", req.Amount.String()),
	)

	// 1. Fraud phase, no lock held.
	verdict := s.fraud.Evaluate(ctx, domain.FraudCheck{
		CardID:       req.CardID,
		Amount:       req.Amount,
		MerchantName: req.MerchantName,
	})
	if verdict.Blocked {
		s.metrics.IncrTransaction(observability.OutcomeFraudBlocked)
		s.logger.Warn("transaction blocked by fraud engine",
			zap.String("card_id", req.CardID),
			zap.String("amount", req.Amount.StringFixed(2)),
			zap.Strings("reasons", verdict.Reasons),
		)
		txID := s.recordDeclined(ctx, req, verdict.Score, verdict.Reason())
		span.SetStatus(codes.Error, "fraud blocked")
		return nil, &domain.ErrFraudDetected{TransactionID: txID, Score: verdict.Score, Reasons: verdict.Reasons}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Lock phase.
	waitStart := time.Now()
	lk, err := s.store.LockCard(ctx, req.CardID, s.lockTimeout)
	s.metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		var busy *domain.ErrLockTimeout
		if errors.As(err, &busy) {
			s.metrics.IncrTransaction(observability.OutcomeLockTimeout)
			s.logger.Warn("card lock timeout", zap.String("card_id", req.CardID), zap.Duration("wait", s.lockTimeout))
		}
		return nil, err
	}
	defer lk.Release()

	// 3. Validate against the state read under the lock.
	card := lk.Card()
	if !card.IsActive() {
		lk.Release()
		s.metrics.IncrTransaction(observability.OutcomeCardInactive)
		s.recordDeclined(ctx, req, verdict.Score, joinReason(verdict.Reason(), "card "+string(card.Status)))
		return nil, &domain.ErrCardInactive{CardID: card.ID, Status: card.Status}
	}
	if !card.CanSpend(req.Amount) {
		available := card.AvailableBalance()
		lk.Release()
		s.metrics.IncrTransaction(observability.OutcomeInsufficient)
		s.logger.Info("insufficient funds",
			zap.String("card_id", card.ID),
			zap.String("requested", req.Amount.StringFixed(2)),
			zap.String("available", available.StringFixed(2)),
		)
		s.recordDeclined(ctx, req, verdict.Score, joinReason(verdict.Reason(), "insufficient funds"))
		return nil, &domain.ErrInsufficientFunds{Requested: req.Amount, Available: available}
	}

	// Last point where cancellation is honoured.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 4. Commit phase.
	now := s.now()
	status := domain.StatusApproved
	if verdict.Flagged {
		status = domain.StatusFlagged
	}
	tx := &domain.Transaction{
		ID:           uuid.New().String(),
		CardID:       card.ID,
		Amount:       req.Amount,
		MerchantName: req.MerchantName,
		Category:     req.Category,
		Description:  req.Description,
		Status:       status,
		FraudScore:   verdict.Score,
		FraudReason:  verdict.Reason(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	updated, err := lk.Commit(context.WithoutCancel(ctx), tx)
	if err != nil {
		s.metrics.IncrTransaction(observability.OutcomeError)
		s.logger.Error("transaction commit failed",
			zap.String("card_id", card.ID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		span.RecordError(err)
		return nil, err
	}

	if status == domain.StatusFlagged {
		s.metrics.IncrTransaction(observability.OutcomeFlagged)
	} else {
		s.metrics.IncrTransaction(observability.OutcomeApproved)
	}
	s.logger.Info("transaction committed",
		zap.String("transaction_id", tx.ID),
		zap.String("card_id", card.ID),
		zap.String("status", string(status)),
		zap.String("amount", tx.Amount.StringFixed(2)),
		zap.String("balance", updated.CurrentBalance.StringFixed(2)),
	)
	return tx, nil
}

// VerifyReceipt records the outcome of receipt reconciliation. It locks only
// the transaction row and never changes the card balance.
//
// Verifying an already-verified transaction with the same or lower confidence
// is a no-op. A higher confidence only raises the stored confidence.
// Approved transactions become verified; flagged ones keep their review marker.
func (s *LedgerService) VerifyReceipt(ctx context.Context, txID string, verified bool, confidence decimal.Decimal) (*domain.Transaction, error) {
	return s.verifyReceipt(ctx, txID, verified, confidence, "")
}

// verifyReceipt also stores receiptRef, when given, in the same row update so
// the reference and the verification are persisted together or not at all.
func (s *LedgerService) verifyReceipt(ctx context.Context, txID string, verified bool, confidence decimal.Decimal, receiptRef string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.VerifyReceipt")
	defer span.End()
	span.SetAttributes(attribute.String("tx.id", txID), attribute.Bool("receipt.verified", verified))

	if confidence.IsNegative() || confidence.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &domain.ErrValidation{Field: "confidence", Message: "must be between 0 and 1"}
	}
	confidence = confidence.Round(4)

	return s.store.UpdateTransaction(ctx, txID, func(tx *domain.Transaction) (bool, error) {
		if !tx.Status.MoneyMoved() {
			return false, &domain.ErrInvalidState{Resource: "transaction", ID: tx.ID, State: string(tx.Status), Action: "verify receipt for"}
		}
		if !verified && tx.ReceiptVerified {
			return false, &domain.ErrInvalidState{Resource: "transaction", ID: tx.ID, State: string(tx.Status), Action: "unverify"}
		}

		changed := false
		if receiptRef != "" && tx.ReceiptRef != receiptRef {
			tx.ReceiptRef = receiptRef
			changed = true
		}

		if !verified || tx.ReceiptVerified {
			if confidence.GreaterThan(tx.ReceiptConfidence) {
				tx.ReceiptConfidence = confidence
				changed = true
			}
			return changed, nil
		}

		now := s.now()
		tx.ReceiptVerified = true
		tx.ReceiptConfidence = confidence
		tx.ReceiptVerifiedAt = &now
		if tx.Status == domain.StatusApproved {
			tx.Status = domain.StatusVerified
		}
		s.logger.Info("receipt verified",
			zap.String("transaction_id", tx.ID),
			zap.String("confidence", confidence.String()),
		)
		return true, nil
	})
}

// AttachReceipt stores the receipt file reference on a transaction.
func (s *LedgerService) AttachReceipt(ctx context.Context, txID, fileRef string) (*domain.Transaction, error) {
	if strings.TrimSpace(fileRef) == "" {
		return nil, &domain.ErrValidation{Field: "file_reference", Message: "is required"}
	}
	return s.store.UpdateTransaction(ctx, txID, func(tx *domain.Transaction) (bool, error) {
		if tx.Status == domain.StatusDeclined {
			return false, &domain.ErrInvalidState{Resource: "transaction", ID: tx.ID, State: string(tx.Status), Action: "attach receipt to"}
		}
		if tx.ReceiptRef == fileRef {
			return false, nil
		}
		tx.ReceiptRef = fileRef
		return true, nil
	})
}

// recordDeclined persists a rejected attempt. Failures are logged, never
// returned: the caller's typed error is the outcome that matters.
func (s *LedgerService) recordDeclined(ctx context.Context, req *domain.TransactionRequest, score decimal.Decimal, reason string) string {
	now := s.now()
	tx := &domain.Transaction{
		ID:           uuid.New().String(),
		CardID:       req.CardID,
		Amount:       req.Amount,
		MerchantName: req.MerchantName,
		Category:     req.Category,
		Description:  req.Description,
		Status:       domain.StatusDeclined,
		FraudScore:   score,
		FraudReason:  reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.InsertDeclined(context.WithoutCancel(ctx), tx); err != nil {
		var notFound *domain.ErrNotFound
		if !errors.As(err, &notFound) {
			s.logger.Error("failed to record declined transaction",
				zap.String("card_id", req.CardID),
				zap.Error(err),
			)
		}
		return ""
	}
	return tx.ID
}

// ============================================================
// validation helpers
// ============================================================

func validateTransaction(req *domain.TransactionRequest) error {
	if strings.TrimSpace(req.CardID) == "" {
		return &domain.ErrValidation{Field: "card_id", Message: "is required"}
	}
	if req.MerchantName == "" {
		return &domain.ErrValidation{Field: "merchant_name", Message: "is required"}
	}
	return validateMoney("amount", req.Amount)
}

func validateMoney(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &domain.ErrValidation{Field: field, Message: "must be greater than zero"}
	}
	if v.Exponent() < -maxMoneyPlaces && !v.Equal(v.Truncate(maxMoneyPlaces)) {
		return &domain.ErrValidation{Field: field, Message: "must have at most 2 decimal places"}
	}
	return nil
}

func joinReason(fraudReason, reason string) string {
	if fraudReason == "" {
		return reason
	}
	return fraudReason + "; " + reason
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
