package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/infra/resilience"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ReceiptService accepts receipt uploads, publishes task statuses and runs
// reconciliation tasks delivered by the queue.
type ReceiptService struct {
	extractor  port.ReceiptExtractor
	reconciler *Reconciler
	ledger     *LedgerService
	queue      port.TaskQueue
	statuses   port.TaskStatusStore
	retry      resilience.Config
	inflight   singleflight.Group
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewReceiptService creates a new ReceiptService. retry.MaxRetries is the
// number of retries after the first attempt.
func NewReceiptService(
	extractor port.ReceiptExtractor,
	reconciler *Reconciler,
	ledger *LedgerService,
	queue port.TaskQueue,
	statuses port.TaskStatusStore,
	retry resilience.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ReceiptService {
	return &ReceiptService{
		extractor:  extractor,
		reconciler: reconciler,
		ledger:     ledger,
		queue:      queue,
		statuses:   statuses,
		retry:      retry,
		metrics:    metrics,
		logger:     logger,
	}
}

// Submit registers a PENDING task and enqueues it. The hinted transaction,
// when given, must exist and gets the receipt reference attached up front.
func (s *ReceiptService) Submit(ctx context.Context, sub *domain.ReceiptSubmission) (*domain.TaskStatus, error) {
	ctx, span := tracer.Start(ctx, "ReceiptService.Submit")
	defer span.End()

	ref := strings.TrimSpace(sub.FileReference)
	if ref == "" {
		return nil, &domain.ErrValidation{Field: "file_reference", Message: "is required"}
	}
	if sub.TransactionID != "" {
		if _, err := s.ledger.AttachReceipt(ctx, sub.TransactionID, ref); err != nil {
			return nil, err
		}
	}

	task := domain.ReceiptTask{
		ID:            uuid.New().String(),
		FileReference: ref,
		TransactionID: sub.TransactionID,
	}
	status := domain.TaskStatus{TaskID: task.ID, State: domain.TaskPending, UpdatedAt: time.Now().UTC()}
	s.statuses.Set(task.ID, status)

	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.statuses.Delete(task.ID)
		return nil, err
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	s.logger.Info("receipt task enqueued",
		zap.String("task_id", task.ID),
		zap.String("transaction_id", task.TransactionID),
	)
	return &status, nil
}

// Status returns the latest status of a task.
func (s *ReceiptService) Status(_ context.Context, taskID string) (*domain.TaskStatus, error) {
	st, ok := s.statuses.Get(taskID)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "task", ID: taskID}
	}
	return &st, nil
}

// HandleTask is the queue consumer. Concurrent deliveries of one task id share
// a single run, and a task that already reached a terminal status is not run
// again. Terminal failures are recorded in the status, not returned.
func (s *ReceiptService) HandleTask(ctx context.Context, task domain.ReceiptTask) error {
	_, err, shared := s.inflight.Do(task.ID, func() (any, error) {
		return nil, s.run(ctx, task)
	})
	if shared {
		s.metrics.IncrReconciliation(observability.ReconcileDuplicate)
	}
	return err
}

func (s *ReceiptService) run(ctx context.Context, task domain.ReceiptTask) error {
	ctx, span := tracer.Start(ctx, "ReceiptService.run")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	log := s.logger.With(zap.String("task_id", task.ID))

	_, started := s.statuses.Update(task.ID, func(cur domain.TaskStatus, found bool) (domain.TaskStatus, bool) {
		if found && cur.State.Terminal() {
			return cur, false
		}
		return domain.TaskStatus{TaskID: task.ID, State: domain.TaskStarted, UpdatedAt: time.Now().UTC()}, true
	})
	if !started {
		log.Info("duplicate delivery of finished task ignored")
		s.metrics.IncrReconciliation(observability.ReconcileDuplicate)
		return nil
	}

	var (
		attempts int
		result   *domain.MatchResult
	)
	err := resilience.RetryWithBackoff(ctx, s.retry, func() error {
		attempts++
		if attempts > 1 {
			s.metrics.IncrReconciliation(observability.ReconcileRetried)
		}
		s.touch(task.ID, attempts)

		// A verified match already carries the file reference. Matching is not
		// repeated once it succeeded; later attempts only redo the attach.
		if result == nil {
			extracted, err := s.extractor.Extract(ctx, task.FileReference)
			if err != nil {
				return classify(err)
			}
			r, err := s.reconciler.Reconcile(ctx, extracted, task.TransactionID, task.FileReference)
			if err != nil {
				return classify(err)
			}
			result = r
		}

		if result.TransactionID != "" && !result.Verified {
			if _, err := s.ledger.AttachReceipt(ctx, result.TransactionID, task.FileReference); err != nil {
				return classify(err)
			}
		}
		return nil
	})

	now := time.Now().UTC()
	if err != nil {
		failure := &domain.ErrReconciliationFailed{TaskID: task.ID, Attempts: attempts, Err: err}
		s.statuses.Set(task.ID, domain.TaskStatus{
			TaskID: task.ID, State: domain.TaskFailure, Error: failure.Error(), Attempts: attempts, UpdatedAt: now,
		})
		s.metrics.IncrReconciliation(observability.ReconcileFailed)
		span.RecordError(failure)
		log.Error("receipt reconciliation failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil
	}

	s.statuses.Set(task.ID, domain.TaskStatus{
		TaskID: task.ID, State: domain.TaskSuccess, Result: result, Attempts: attempts, UpdatedAt: now,
	})
	switch {
	case result.Verified:
		s.metrics.IncrReconciliation(observability.ReconcileVerified)
	case result.MatchFound:
		s.metrics.IncrReconciliation(observability.ReconcileUnverified)
	default:
		s.metrics.IncrReconciliation(observability.ReconcileNoMatch)
	}
	log.Info("receipt reconciled",
		zap.Bool("match_found", result.MatchFound),
		zap.Bool("verified", result.Verified),
		zap.String("confidence", result.Confidence.String()),
		zap.Int("attempts", attempts),
	)
	return nil
}

func (s *ReceiptService) touch(taskID string, attempts int) {
	s.statuses.Update(taskID, func(cur domain.TaskStatus, _ bool) (domain.TaskStatus, bool) {
		if cur.State.Terminal() {
			return cur, false
		}
		cur.TaskID = taskID
		cur.State = domain.TaskStarted
		cur.Attempts = attempts
		cur.UpdatedAt = time.Now().UTC()
		return cur, true
	})
}

// classify marks errors that another attempt cannot fix.
func classify(err error) error {
	var (
		validation *domain.ErrValidation
		notFound   *domain.ErrNotFound
		invalid    *domain.ErrInvalidState
	)
	if errors.As(err, &validation) || errors.As(err, &notFound) || errors.As(err, &invalid) {
		return resilience.Permanent(err)
	}
	return err
}
