package queue

import (
	"context"
	"log/slog"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

// ImmediateQueue dispatches jobs in-process via a goroutine, used for
// local development and tests, grounded on
// infra/uploadask/queue/immediate.go.
type ImmediateQueue struct {
	handler rag.JobHandler
	logger  *slog.Logger
}

// NewImmediateQueue constructs the queue.
func NewImmediateQueue(logger *slog.Logger) *ImmediateQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImmediateQueue{logger: logger.With("component", "rag.queue.immediate")}
}

// SetHandler replaces the handler used for enqueued jobs.
func (q *ImmediateQueue) SetHandler(handler rag.JobHandler) {
	q.handler = handler
}

// Enqueue invokes the handler asynchronously.
func (q *ImmediateQueue) Enqueue(_ context.Context, job rag.IndexJob) error {
	if q.handler == nil {
		return nil
	}
	go func() {
		if err := q.handler(context.Background(), job); err != nil {
			q.logger.Error("job handler failed", "error", err, "document_id", job.DocumentID)
		}
	}()
	return nil
}

var _ rag.HandlerQueue = (*ImmediateQueue)(nil)
