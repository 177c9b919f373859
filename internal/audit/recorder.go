// Package audit records security events. Every event is logged synchronously
// and then persisted in the background; persistence can fail without the
// caller ever seeing it.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auth-core/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RowStore receives the durable audit row.
type RowStore interface {
	AppendAuditRow(ctx context.Context, entry *models.AuditLogEntry) error
}

// Sink is a secondary destination (event stream, search index, archive).
type Sink interface {
	Name() string
	Write(ctx context.Context, entry models.AuditLogEntry) error
}

// RequestContext carries where a request came from.
type RequestContext struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type Recorder struct {
	rows    RowStore
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(rows RowStore, logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		rows:    rows,
		sinks:   sinks,
		logger:  logger.Named("audit"),
		timeout: timeout,
		now:     time.Now,
	}
}

// Record logs the event and schedules its persistence. It never blocks on
// storage and never returns an error.
func (r *Recorder) Record(ctx context.Context, action models.AuditAction, actorID *string, req RequestContext, metadata map[string]any) {
	entry := models.AuditLogEntry{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    actorID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Metadata:  Sanitize(metadata),
		CreatedAt: r.now().UTC(),
	}

	r.logger.Info("Audit: "+string(action),
		zap.Bool("audit", true),
		zap.String("action", string(action)),
		zap.Stringp("user_id", actorID),
		zap.String("ip", req.IPAddress),
		zap.String("request_id", req.RequestID),
		zap.Any("metadata", entry.Metadata),
	)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.logger.Warn("Audit recorder closed, event was logged but not persisted", zap.String("audit_id", entry.ID))
		return
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	// The unit of work outlives the request: keep ctx values, drop its cancellation.
	go r.persist(context.WithoutCancel(ctx), entry)
}

func (r *Recorder) persist(parent context.Context, entry models.AuditLogEntry) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Audit persistence panicked", zap.String("audit_id", entry.ID), zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	// Plain Group: one failing destination must not cancel the others.
	var g errgroup.Group

	if r.rows != nil {
		g.Go(func() error {
			row := entry
			if err := r.rows.AppendAuditRow(ctx, &row); err != nil {
				r.logger.Error("Failed to persist audit log",
					zap.String("audit_id", entry.ID),
					zap.String("action", string(entry.Action)),
					zap.Error(err))
			}
			return nil
		})
	}

	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, entry); err != nil {
				r.logger.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("audit_id", entry.ID),
					zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// Close stops accepting new events for persistence and waits for in-flight
// ones, or until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Audit recorder drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain interrupted: %w", ctx.Err())
	}
}
