package access

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Auditor receives one entry per resolution. Implementations must never
// block the caller: observability must not add latency to, or change, an
// access decision already made.
type Auditor interface {
	Record(entry AuditEntry)
}

// AuditInserter is the persistence half of the audit trail.
type AuditInserter interface {
	InsertAudit(ctx context.Context, e AuditEntry) error
}

// AuditWriter drains audit entries from a bounded channel into storage.
// When the buffer is full the entry is dropped and counted; a dropped audit
// row is preferable to a blocked authorization path.
type AuditWriter struct {
	inserter AuditInserter
	entries  chan AuditEntry
	logger   *slog.Logger
	dropped  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuditWriter constructs an AuditWriter with the given buffer capacity.
func NewAuditWriter(inserter AuditInserter, buffer int, logger *slog.Logger) *AuditWriter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditWriter{
		inserter: inserter,
		entries:  make(chan AuditEntry, buffer),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Record enqueues an entry without blocking.
func (w *AuditWriter) Record(entry AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		n := w.dropped.Add(1)
		if w.logger != nil && n%100 == 1 {
			w.logger.Warn("audit buffer full, entry dropped", slog.Int64("dropped_total", n))
		}
	}
}

// Dropped returns the number of entries discarded because the buffer was
// full.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Run drains the buffer until ctx is cancelled, then flushes what remains.
func (w *AuditWriter) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case entry := <-w.entries:
			w.insert(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-w.entries:
					w.insert(entry)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (w *AuditWriter) Wait() {
	<-w.done
}

func (w *AuditWriter) insert(entry AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.inserter.InsertAudit(ctx, entry); err != nil && w.logger != nil {
		w.logger.Error("audit insert failed", slog.Any("error", err),
			slog.String("app", entry.AppName), slog.String("action", entry.ActionCode))
	}
}

var _ Auditor = (*AuditWriter)(nil)

// SyncAuditor writes entries inline. Tests and the seed tooling use it where
// ordering matters more than latency.
type SyncAuditor struct {
	Inserter AuditInserter
	Logger   *slog.Logger
}

// Record persists the entry immediately; failures are logged, never returned.
func (a SyncAuditor) Record(entry AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Inserter.InsertAudit(ctx, entry); err != nil && a.Logger != nil {
		a.Logger.Error("audit insert failed", slog.Any("error", err))
	}
}
