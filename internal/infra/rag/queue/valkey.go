// Package queue implements C8's at-least-once delivery abstraction,
// generalized from the teacher's infra/uploadask/queue package: a
// Valkey-backed LPUSH/BRPOP queue for production and an in-process
// immediate queue for tests/dev.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

// ValkeyQueue persists index jobs in Valkey and delivers them to a handler.
type ValkeyQueue struct {
	client      valkey.Client
	queueKey    string
	handler     rag.JobHandler
	logger      *slog.Logger
	stop        chan struct{}
	pollTimeout time.Duration
}

// NewValkeyQueue constructs a Valkey-backed job queue.
func NewValkeyQueue(client valkey.Client, queueKey string, logger *slog.Logger) *ValkeyQueue {
	if queueKey == "" {
		queueKey = "kbrag:index-jobs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValkeyQueue{
		client:      client,
		queueKey:    queueKey,
		logger:      logger.With("component", "rag.queue.valkey"),
		stop:        make(chan struct{}),
		pollTimeout: 5 * time.Second,
	}
}

// SetHandler starts the worker loop that pops jobs and invokes the handler.
func (q *ValkeyQueue) SetHandler(handler rag.JobHandler) {
	q.handler = handler
	if handler == nil {
		return
	}
	go q.consume()
}

// Enqueue pushes a job onto the queue.
func (q *ValkeyQueue) Enqueue(ctx context.Context, job rag.IndexJob) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	cmd := q.client.B().Lpush().Key(q.queueKey).Element(string(encoded)).Build()
	return q.client.Do(ctx, cmd).Error()
}

// Stop halts the consume loop.
func (q *ValkeyQueue) Stop() {
	close(q.stop)
}

func (q *ValkeyQueue) consume() {
	ctx := context.Background()
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		resp := q.client.Do(ctx, q.client.B().Brpop().Key(q.queueKey).Timeout(q.pollTimeout.Seconds()).Build())
		values, err := resp.ToArray()
		if err != nil {
			if !valkey.IsValkeyNil(err) {
				q.logger.Warn("queue pop failed", "error", err)
			}
			continue
		}
		if len(values) < 2 || q.handler == nil {
			continue
		}
		raw, err := values[1].ToString()
		if err != nil {
			q.logger.Warn("queue payload decode failed", "error", err)
			continue
		}
		var job rag.IndexJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("queue unmarshal failed", "error", err)
			continue
		}
		if err := q.handler(ctx, job); err != nil {
			q.logger.Error("job handler failed", "error", err, "document_id", job.DocumentID)
		}
	}
}

var _ rag.HandlerQueue = (*ValkeyQueue)(nil)
