// Package journal keeps the router's append-only execution history.
package journal

import (
	"sync"
	"time"

	"github.com/amirphl/order-router/internal/order"
)

// DefaultCapacity bounds the in-memory history.
const DefaultCapacity = 500

// ExecutionRecord represents one journaled order acknowledgement.
type ExecutionRecord struct {
	Request   order.Request
	Response  order.Response
	Timestamp time.Time
}

// History is a fixed-size FIFO ring; the oldest record is evicted on overflow.
type History struct {
	mu    sync.RWMutex
	buf   []ExecutionRecord
	head  int // index of the oldest record
	count int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]ExecutionRecord, capacity)}
}

func (h *History) Append(rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.head+h.count)%len(h.buf)] = rec
		h.count++
		return
	}
	h.buf[h.head] = rec
	h.head = (h.head + 1) % len(h.buf)
}

// Recent returns up to limit of the newest records, oldest first.
func (h *History) Recent(limit int) []ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || h.count == 0 {
		return nil
	}
	if limit > h.count {
		limit = h.count
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := h.count - limit; i < h.count; i++ {
		out = append(out, h.buf[(h.head+i)%len(h.buf)])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
