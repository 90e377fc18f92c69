// Package usage implements the best-effort, non-blocking usage/request-log
// recorder, grounded directly in the teacher's internal/audit package
// (a buffered channel drained by a background goroutine that drops entries
// under sustained overflow rather than applying backpressure to the
// request path), generalized from tenant audit events to gateway
// RequestLog entries plus observational token counters.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthgate/gateway/pkg/limiter"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/repository"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Entry is one request's outcome, queued for best-effort persistence.
type Entry struct {
	Log          model.RequestLog
	AppID        *string // stringified uuid for keying the token counter; empty when unauthenticated
	ResourceID   string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Recorder buffers RequestLog entries and flushes them to a Repository and
// a counter Store off the request path.
type Recorder struct {
	repo    repository.Repository
	counters limiter.Store
	logger  *slog.Logger

	queue chan Entry
	done  chan struct{}
}

// New creates a Recorder. Call Start to begin draining it; cancelling the
// context passed to Start stops it, flushing whatever remains queued, and
// Close waits for that final flush.
func New(repo repository.Repository, counters limiter.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:     repo,
		counters: counters,
		logger:   logger,
		queue:    make(chan Entry, bufferSize),
		done:     make(chan struct{}),
	}
}

// Record enqueues an entry. It never blocks: if the buffer is full, the
// entry is dropped and logged, trading completeness for a guarantee that
// usage recording never slows down a data-plane request.
func (r *Recorder) Record(e Entry) {
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("usage recorder buffer full, dropping entry", "resource_id", e.ResourceID)
	}
}

// Start launches the background flush loop. It returns immediately; the
// loop stops when ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
				default:
					drained = true
				}
			}
			r.flush(context.Background(), batch)
			close(r.done)
			return
		}
	}
}

// Close waits for the loop's final flush, which runs once the context passed
// to Start is cancelled. ctx bounds how long Close waits.
func (r *Recorder) Close(ctx context.Context) {
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}

func (r *Recorder) flush(ctx context.Context, batch []Entry) {
	for _, e := range batch {
		entry := e.Log
		if err := r.repo.AppendRequestLog(ctx, &entry); err != nil {
			r.logger.Error("failed to append request log", "error", err, "resource_id", e.ResourceID)
		}

		if e.AppID == nil || (e.InputTokens == 0 && e.OutputTokens == 0 && e.TotalTokens == 0) {
			continue
		}
		key := limiter.TokenUsageKey(*e.AppID, e.ResourceID, e.Model, time.Now().UTC())
		if err := r.counters.RecordTokenUsage(ctx, key, e.InputTokens, e.OutputTokens, e.TotalTokens); err != nil {
			r.logger.Error("failed to record token usage", "error", err, "resource_id", e.ResourceID)
		}
	}
}
