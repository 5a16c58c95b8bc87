package router

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/order-router/internal/order"
)

// LadderPrices returns count prices evenly spaced over [start, end]
// inclusive, each rounded to two decimals.
func LadderPrices(count int, start, end float64) []float64 {
	if count <= 0 {
		return nil
	}
	from := decimal.NewFromFloat(start)
	step := decimal.NewFromFloat(end).Sub(from)
	if count > 1 {
		step = step.Div(decimal.NewFromInt(int64(count - 1)))
	}

	prices := make([]float64, count)
	for i := range prices {
		p := from.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(2)
		prices[i], _ = p.Float64()
	}
	return prices
}

// ScaleOrder places a ladder of count LIMIT orders built from template.
// Legs are paced by the configured delay. A failing leg aborts the ladder
// and the responses of earlier legs are returned with the error.
func (r *Router) ScaleOrder(ctx context.Context, template order.Request, count int, start, end float64) ([]order.Response, error) {
	prices := LadderPrices(count, start, end)
	responses := make([]order.Response, 0, len(prices))

	for i, price := range prices {
		if i > 0 {
			if err := r.sleep(ctx, r.cfg.ScalePacing); err != nil {
				return responses, fmt.Errorf("scale leg %d: %w", i+1, err)
			}
		}
		leg := template.WithPrice(price)
		leg.Type = order.Limit
		resp, err := r.PlaceOrder(ctx, leg)
		if err != nil {
			return responses, fmt.Errorf("scale leg %d/%d @ %.2f: %w", i+1, count, price, err)
		}
		responses = append(responses, resp)
	}
	r.log.Infof("Router | scaled %s %s into %d legs %.2f..%.2f", template.Side, template.Instrument(), count, start, end)
	return responses, nil
}

// ChaseOptions tunes ChaseOrder. Zero values take the router defaults.
type ChaseOptions struct {
	// OrderIDHint overrides the id of the order being repriced.
	OrderIDHint string
	MaxMoves    int
	TickSize    float64
	Target      *float64
	Interval    time.Duration
}

// ChaseOrder places a LIMIT order and then, in live mode, walks its price one
// tick at a time toward Target (or indefinitely until MaxMoves is spent).
// The returned response is the initial placement.
func (r *Router) ChaseOrder(ctx context.Context, req order.Request, opts ChaseOptions) (order.Response, error) {
	req = req.Normalize()
	if req.Type != order.Limit {
		return order.Response{}, ErrChaseNotLimit
	}
	if req.Price == nil {
		return order.Response{}, ErrChaseNoPrice
	}

	resp, err := r.PlaceOrder(ctx, req)
	if err != nil {
		return resp, err
	}
	if r.cfg.DryRun {
		return resp, nil
	}

	maxMoves := opts.MaxMoves
	if maxMoves <= 0 {
		maxMoves = r.cfg.ChaseMaxMoves
	}
	tickSize := opts.TickSize
	if tickSize <= 0 {
		tickSize = r.cfg.ChaseTick
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = r.cfg.ChaseInterval
	}
	ref := order.Ref{ID: resp.OrderID, Variety: req.Variety}
	if opts.OrderIDHint != "" {
		ref.ID = opts.OrderIDHint
	}

	tick := decimal.NewFromFloat(tickSize)
	if req.Side == order.Sell {
		tick = tick.Neg()
	}
	current := decimal.NewFromFloat(*req.Price)
	var target decimal.Decimal
	if opts.Target != nil {
		target = decimal.NewFromFloat(*opts.Target)
	}

	for move := 0; move < maxMoves; move++ {
		if opts.Target != nil && reached(req.Side, current, target) {
			break
		}
		next := current.Add(tick)
		if opts.Target != nil {
			if req.Side == order.Buy {
				next = decimal.Min(next, target)
			} else {
				next = decimal.Max(next, target)
			}
		}

		price, _ := next.Round(2).Float64()
		if _, err := r.ModifyOrder(ctx, ref, order.PriceUpdate{Value: price}); err != nil {
			return resp, fmt.Errorf("chase %s move %d: %w", ref.ID, move+1, err)
		}
		current = next
		r.log.Debugf("Router | chase %s move %d -> %.2f", ref.ID, move+1, price)

		if err := r.sleep(ctx, interval); err != nil {
			return resp, fmt.Errorf("chase %s: %w", ref.ID, err)
		}
	}
	return resp, nil
}

// reached reports whether a BUY has climbed to target or a SELL has fallen
// to it.
func reached(side order.Side, current, target decimal.Decimal) bool {
	if side == order.Buy {
		return current.GreaterThanOrEqual(target)
	}
	return current.LessThanOrEqual(target)
}

// Swarm places reqs one after another with delay between consecutive orders.
// A failing order aborts the swarm; earlier responses are returned.
func (r *Router) Swarm(ctx context.Context, reqs []order.Request, delay time.Duration) ([]order.Response, error) {
	responses := make([]order.Response, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return responses, fmt.Errorf("swarm order %d: %w", i+1, err)
			}
		}
		resp, err := r.PlaceOrder(ctx, req)
		if err != nil {
			return responses, fmt.Errorf("swarm order %d/%d: %w", i+1, len(reqs), err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}
