package access

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memInserter struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memInserter) InsertAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memInserter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestAuditWriterFlushesOnShutdown(t *testing.T) {
	inserter := &memInserter{}
	writer := NewAuditWriter(inserter, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)

	for i := 0; i < 5; i++ {
		writer.Record(AuditEntry{UserID: int64(i), AppName: "pac", ActionCode: "read_pac"})
	}
	cancel()
	writer.Wait()

	if got := inserter.count(); got != 5 {
		t.Fatalf("expected 5 flushed entries, got %d", got)
	}
	if writer.Dropped() != 0 {
		t.Fatalf("no entries should be dropped, got %d", writer.Dropped())
	}
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	inserter := &memInserter{}
	writer := NewAuditWriter(inserter, 2, nil)

	// No Run goroutine draining, so the third entry has nowhere to go.
	for i := 0; i < 3; i++ {
		writer.Record(AuditEntry{UserID: int64(i)})
	}
	if writer.Dropped() != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", writer.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)
	cancel()
	writer.Wait()
	if got := inserter.count(); got != 2 {
		t.Fatalf("expected the 2 buffered entries, got %d", got)
	}
}

func TestAuditWriterStampsOccurredAt(t *testing.T) {
	inserter := &memInserter{}
	writer := NewAuditWriter(inserter, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)
	writer.Record(AuditEntry{UserID: 1})
	cancel()
	writer.Wait()

	if inserter.count() != 1 {
		t.Fatalf("expected one entry, got %d", inserter.count())
	}
	if inserter.entries[0].OccurredAt.IsZero() {
		t.Fatal("missing occurred_at stamp")
	}
	if time.Since(inserter.entries[0].OccurredAt) > time.Minute {
		t.Fatalf("implausible timestamp %v", inserter.entries[0].OccurredAt)
	}
}

func TestSyncAuditorRecordsInline(t *testing.T) {
	inserter := &memInserter{}
	auditor := SyncAuditor{Inserter: inserter}
	auditor.Record(AuditEntry{UserID: 1, AppName: "pac"})
	if inserter.count() != 1 {
		t.Fatalf("expected one entry, got %d", inserter.count())
	}
}
