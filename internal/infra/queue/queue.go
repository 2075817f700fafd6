// Package queue is an in-process, at-least-once task queue drained by a
// fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/port"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Enqueue once the queue stopped accepting tasks.
var ErrClosed = errors.New("queue: closed")

// ErrFull is returned when the buffer is full and ctx ends first.
var ErrFull = errors.New("queue: full")

// Handler consumes one delivery. Returning an error asks for redelivery.
type Handler func(ctx context.Context, task domain.ReceiptTask) error

type envelope struct {
	task       domain.ReceiptTask
	deliveries int
}

// Config sizes the queue.
type Config struct {
	Size          int
	Workers       int
	MaxDeliveries int
	RedeliveryGap time.Duration
}

// Memory buffers tasks in a channel. A handler error puts the task back until
// MaxDeliveries is reached, so a task may be seen more than once.
type Memory struct {
	ch      chan envelope
	cfg     Config
	closed  atomic.Bool
	metrics *observability.Metrics
	logger  *zap.Logger
}

var _ port.TaskQueue = (*Memory)(nil)

// New creates a queue. Run must be called to start consuming.
func New(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Memory {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &Memory{
		ch:      make(chan envelope, cfg.Size),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue buffers a task, waiting for space until ctx ends.
func (q *Memory) Enqueue(ctx context.Context, task domain.ReceiptTask) error {
	return q.push(ctx, envelope{task: task})
}

func (q *Memory) push(ctx context.Context, env envelope) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.ch <- env:
		q.metrics.SetQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		return ErrFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Tasks still
// buffered at that point are dropped; their statuses stay PENDING.
func (q *Memory) Run(ctx context.Context, handle Handler) error {
	defer q.closed.Store(true)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case env := <-q.ch:
					q.metrics.SetQueueDepth(len(q.ch))
					q.deliver(gctx, worker, env, handle)
				}
			}
		})
	}

	return g.Wait()
}

func (q *Memory) deliver(ctx context.Context, worker int, env envelope, handle Handler) {
	env.deliveries++
	err := safeHandle(ctx, env.task, handle)
	if err == nil {
		return
	}

	log := q.logger.With(
		zap.String("task_id", env.task.ID),
		zap.Int("worker", worker),
		zap.Int("delivery", env.deliveries),
		zap.Error(err),
	)
	if env.deliveries >= q.cfg.MaxDeliveries || ctx.Err() != nil {
		log.Error("task dropped after final delivery")
		return
	}

	log.Warn("task handler failed, redelivering")
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.RedeliveryGap):
		}
		if err := q.push(ctx, env); err != nil {
			q.logger.Error("redelivery failed", zap.String("task_id", env.task.ID), zap.Error(err))
		}
	}()
}

func safeHandle(ctx context.Context, task domain.ReceiptTask, handle Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task handler panicked")
		}
	}()
	return handle(ctx, task)
}
