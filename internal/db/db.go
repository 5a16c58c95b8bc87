// Package db keeps the order metadata side-index: tags attached to
// acknowledged orders (role, group, strategy, protection) that the brokerage
// does not store for us.
package db

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyOrderID = errors.New("order id is required")

// Metadata is captured for each acknowledged order.
type Metadata struct {
	OrderID    string
	Role       string
	Group      string
	StrategyID string
	Protected  bool
	Symbol     string
	CreatedAt  time.Time
}

// Age reports how long ago the order was recorded. ok is false when the
// creation time is unknown.
func (m Metadata) Age(now time.Time) (age time.Duration, ok bool) {
	if m.CreatedAt.IsZero() {
		return 0, false
	}
	return now.Sub(m.CreatedAt), true
}

// Index is the metadata store. Record upserts on order id.
type Index interface {
	Record(ctx context.Context, m Metadata) error
	RecordAll(ctx context.Context, ms []Metadata) error
	BulkFetch(ctx context.Context, orderIDs []string) (map[string]Metadata, error)
	Purge(ctx context.Context, orderIDs []string) error
	Close() error
}
