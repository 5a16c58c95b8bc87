package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/journal"
	"github.com/amirphl/order-router/internal/order"
)

// RecentHistory returns up to limit of the newest execution records, oldest
// first. In live mode the brokerage order book is merged in; a failure to
// fetch it is logged and the local history is returned alone.
func (r *Router) RecentHistory(ctx context.Context, limit int) ([]journal.ExecutionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	local := r.history.Recent(limit)
	if r.cfg.DryRun {
		return local, nil
	}

	var remote []journal.ExecutionRecord
	envelope, err := r.client.Get(ctx, "/orders", nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warnf("Router | order book fetch failed, using session history: %v", err)
	} else {
		for _, item := range exchange.List(exchange.Data(envelope)) {
			if rec, ok := r.recordFromPayload(exchange.Map(item)); ok {
				remote = append(remote, rec)
			}
		}
	}

	combined := append(local, remote...)
	if len(combined) == 0 {
		return nil, nil
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Timestamp.Before(combined[j].Timestamp)
	})

	type dedupKey struct {
		id string
		ts int64
	}
	seen := make(map[dedupKey]struct{}, len(combined))
	out := make([]journal.ExecutionRecord, 0, limit)
	for i := len(combined) - 1; i >= 0 && len(out) < limit; i-- {
		rec := combined[i]
		k := dedupKey{rec.Response.OrderID, rec.Timestamp.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListOpenOrders returns the orders that can still be modified or cancelled.
func (r *Router) ListOpenOrders(ctx context.Context) ([]order.Summary, error) {
	if r.cfg.DryRun {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]order.Summary, 0, len(r.dryOrder))
		for _, id := range r.dryOrder {
			rec := r.dryOrders[id]
			out = append(out, order.Summary{
				OrderID:      id,
				Status:       rec.status,
				Symbol:       rec.request.Symbol,
				Side:         rec.request.Side,
				Exchange:     rec.request.Exchange,
				Quantity:     rec.request.Quantity,
				Price:        rec.request.Price,
				AveragePrice: rec.averagePrice,
				CreatedAt:    rec.createdAt,
				Variety:      rec.request.Variety,
				Product:      rec.request.Product,
			})
		}
		return out, nil
	}

	envelope, err := r.client.Get(ctx, "/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []order.Summary
	for _, item := range exchange.List(exchange.Data(envelope)) {
		entry := exchange.Map(item)
		if !actionable(exchange.String(entry["status"])) {
			continue
		}
		if s, ok := r.summaryFromPayload(entry); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func actionable(status string) bool {
	return status == order.StatusOpen || status == order.StatusTriggerPending
}

// FilterOptions narrows FilterOrders. A nil Count means no limit.
type FilterOptions struct {
	Side   order.Side
	Count  *int
	Latest bool
}

// FilterOrders returns open orders matching opts in ascending creation time.
// With Latest set, truncation keeps the newest Count orders.
func (r *Router) FilterOrders(ctx context.Context, opts FilterOptions) ([]order.Summary, error) {
	if opts.Count != nil && *opts.Count <= 0 {
		return []order.Summary{}, nil
	}
	open, err := r.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]order.Summary, 0, len(open))
	for _, s := range open {
		if opts.Side != "" && !strings.EqualFold(string(s.Side), string(opts.Side)) {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	if opts.Count != nil && *opts.Count < len(filtered) {
		if opts.Latest {
			filtered = filtered[len(filtered)-*opts.Count:]
		} else {
			filtered = filtered[:*opts.Count]
		}
	}
	return filtered, nil
}
