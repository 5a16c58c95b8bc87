// Package portfolio reads and normalizes brokerage position snapshots.
package portfolio

import (
	"context"
	"fmt"
	"sort"

	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/position"
)

// Holding is a delivery (CNC) holding.
type Holding struct {
	Symbol       string
	Exchange     string
	Quantity     int
	T1Quantity   int
	AveragePrice float64
	LastPrice    float64
	PnL          float64
}

type Reader struct {
	client exchange.Client
}

func NewReader(client exchange.Client) *Reader {
	return &Reader{client: client}
}

type positionKey struct {
	exchange string
	symbol   string
	product  order.Product
}

// merger accumulates bucket entries keyed by (exchange, symbol, product),
// keeping first-seen order.
type merger struct {
	byKey map[positionKey]*position.Position
	order []positionKey
}

func newMerger() *merger {
	return &merger{byKey: make(map[positionKey]*position.Position)}
}

func keyOf(entry map[string]any) positionKey {
	return positionKey{
		exchange: exchange.String(entry["exchange"]),
		symbol:   exchange.String(entry["tradingsymbol"]),
		product:  order.ParseProduct(exchange.String(entry["product"])),
	}
}

func lastPrice(entry map[string]any) *float64 {
	v, present := entry["last_price"]
	if !present || v == nil {
		return nil
	}
	f := exchange.FloatOr(v, 0)
	return &f
}

func fromEntry(entry map[string]any) *position.Position {
	k := keyOf(entry)
	return &position.Position{
		Symbol:       k.symbol,
		Exchange:     k.exchange,
		Product:      k.product,
		Quantity:     exchange.Int(entry["quantity"]),
		AveragePrice: exchange.FloatOr(entry["average_price"], 0),
		PnL:          exchange.FloatOr(entry["pnl"], 0),
		LastPrice:    lastPrice(entry),
	}
}

func (m *merger) put(k positionKey, p *position.Position) {
	if _, ok := m.byKey[k]; !ok {
		m.order = append(m.order, k)
	}
	m.byKey[k] = p
}

// upsert merges a net (or other bucket) entry. The first non-zero quantity
// wins; later entries only backfill a missing last price or zero pnl.
func (m *merger) upsert(entry map[string]any) {
	k := keyOf(entry)
	incoming := fromEntry(entry)
	existing, ok := m.byKey[k]
	if !ok || (existing.Quantity == 0 && incoming.Quantity != 0) {
		m.put(k, incoming)
		return
	}
	if existing.LastPrice == nil && incoming.LastPrice != nil {
		existing.LastPrice = incoming.LastPrice
	}
	if existing.PnL == 0 && incoming.PnL != 0 {
		existing.PnL = incoming.PnL
	}
}

// day attaches an intraday bucket entry, creating the position if the
// net bucket did not report it.
func (m *merger) day(entry map[string]any) {
	k := keyOf(entry)
	incoming := fromEntry(entry)
	p, ok := m.byKey[k]
	if !ok {
		p = incoming
		m.put(k, p)
	} else if p.LastPrice == nil && incoming.LastPrice != nil {
		p.LastPrice = incoming.LastPrice
	}

	qty, avg, pnl := incoming.Quantity, incoming.AveragePrice, incoming.PnL
	p.DayQuantity = &qty
	p.DayAveragePrice = &avg
	p.DayPnL = &pnl
}

func (m *merger) positions() []position.Position {
	out := make([]position.Position, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.byKey[k])
	}
	return out
}

func entries(v any) []map[string]any {
	var out []map[string]any
	for _, item := range exchange.List(v) {
		if e := exchange.Map(item); len(e) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Positions fetches /portfolio/positions and merges its buckets: net first,
// then any other bucket, then the day bucket.
func (r *Reader) Positions(ctx context.Context) ([]position.Position, error) {
	envelope, err := r.client.Get(ctx, "/portfolio/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	buckets := exchange.Map(exchange.Data(envelope))

	m := newMerger()
	for _, e := range entries(buckets["net"]) {
		m.upsert(e)
	}

	var others []string
	for name := range buckets {
		if name != "net" && name != "day" {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	for _, name := range others {
		for _, e := range entries(buckets[name]) {
			m.upsert(e)
		}
	}

	for _, e := range entries(buckets["day"]) {
		m.day(e)
	}
	return m.positions(), nil
}

// IndexBySymbol keys positions by "EXCHANGE:SYMBOL". When several products
// share an instrument the last one wins.
func (r *Reader) IndexBySymbol(ctx context.Context) (map[string]position.Position, error) {
	positions, err := r.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]position.Position, len(positions))
	for _, p := range positions {
		out[p.Instrument()] = p
	}
	return out, nil
}

func (r *Reader) Holdings(ctx context.Context) ([]Holding, error) {
	envelope, err := r.client.Get(ctx, "/portfolio/holdings", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch holdings: %w", err)
	}
	var out []Holding
	for _, e := range entries(exchange.Data(envelope)) {
		out = append(out, Holding{
			Symbol:       exchange.String(e["tradingsymbol"]),
			Exchange:     exchange.String(e["exchange"]),
			Quantity:     exchange.Int(e["quantity"]),
			T1Quantity:   exchange.Int(e["t1_quantity"]),
			AveragePrice: exchange.FloatOr(e["average_price"], 0),
			LastPrice:    exchange.FloatOr(e["last_price"], 0),
			PnL:          exchange.FloatOr(e["pnl"], 0),
		})
	}
	return out, nil
}
