package db

import (
	"context"
	"sync"
	"time"
)

// MemoryIndex is an Index for dry-run sessions and tests.
type MemoryIndex struct {
	mu   sync.RWMutex
	rows map[string]Metadata
	now  func() time.Time
}

func NewMemory() *MemoryIndex {
	return &MemoryIndex{
		rows: make(map[string]Metadata),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryIndex) Record(_ context.Context, md Metadata) error {
	if md.OrderID == "" {
		return ErrEmptyOrderID
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[md.OrderID] = md
	return nil
}

func (m *MemoryIndex) RecordAll(ctx context.Context, ms []Metadata) error {
	for _, md := range ms {
		if md.OrderID == "" {
			return ErrEmptyOrderID
		}
	}
	for _, md := range ms {
		if err := m.Record(ctx, md); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryIndex) BulkFetch(_ context.Context, orderIDs []string) (map[string]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metadata, len(orderIDs))
	for _, id := range orderIDs {
		if md, ok := m.rows[id]; ok {
			out[id] = md
		}
	}
	return out, nil
}

func (m *MemoryIndex) Purge(_ context.Context, orderIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range orderIDs {
		delete(m.rows, id)
	}
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
