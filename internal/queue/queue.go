// Package queue provides the strictly sequential ingestion work queue.
package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/models"
)

// DefaultCapacity bounds the task buffer when the configured value is unset.
const DefaultCapacity = 64

// Handler processes one dequeued task.
type Handler func(ctx context.Context, task models.IngestionTask) error

// Queue is a bounded FIFO with a single consumer: tasks run one at a time in
// arrival order, and a failing task never halts the ones behind it.
type Queue struct {
	log     *slog.Logger
	handler Handler
	metrics *metrics.Metrics
	tasks   chan models.IngestionTask
	pending atomic.Int64
}

// New creates a queue with the given buffer capacity.
func New(log *slog.Logger, capacity int, handler Handler, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		log:     log,
		handler: handler,
		metrics: m,
		tasks:   make(chan models.IngestionTask, capacity),
	}
}

// Enqueue validates and appends a task without blocking the caller. Tasks
// carrying neither text nor media are rejected with apperr.ErrEmptyTask;
// tasks arriving while the buffer is full with apperr.ErrQueueFull.
func (q *Queue) Enqueue(task models.IngestionTask) error {
	if task.Empty() {
		q.log.Warn("queue: dropping empty task",
			slog.Int64("chat_id", task.ChatID),
			slog.Int64("message_id", task.MessageID))
		q.metrics.RecordTask("dropped")
		return apperr.ErrEmptyTask
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = time.Now()
	}

	select {
	case q.tasks <- task:
		q.pending.Add(1)
		return nil
	default:
		q.log.Warn("queue: buffer full, dropping task",
			slog.String("task_id", task.ID),
			slog.Int64("chat_id", task.ChatID))
		q.metrics.RecordTask("dropped")
		return apperr.ErrQueueFull
	}
}

// Len returns queued plus in-flight tasks.
func (q *Queue) Len() int {
	return int(q.pending.Load())
}

// Run consumes tasks one at a time until ctx is canceled. The next task is
// not started until the current one settles. A task already started keeps
// running on an uncancelable context: in-flight pipeline steps have no
// cancellation of their own and the process-level grace period is the only
// backstop.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-q.tasks:
			q.process(context.WithoutCancel(ctx), task)
		}
	}
}

func (q *Queue) process(ctx context.Context, task models.IngestionTask) {
	start := time.Now()
	defer q.pending.Add(-1)
	defer func() {
		q.metrics.ObserveTaskDuration(time.Since(start))
		if r := recover(); r != nil {
			q.log.Error("queue: task panicked",
				slog.String("task_id", task.ID),
				slog.Any("panic", r))
			q.metrics.RecordTask("error")
		}
	}()

	if err := q.handler(ctx, task); err != nil {
		q.log.Error("queue: task failed",
			slog.String("task_id", task.ID),
			slog.Int64("chat_id", task.ChatID),
			slog.String("error", err.Error()))
		q.metrics.RecordTask("error")
		return
	}
	q.metrics.RecordTask("ok")
}
