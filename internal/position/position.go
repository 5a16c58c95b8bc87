// Package position
package position

import (
	"sort"
	"sync"

	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/utils"
)

// Position is a live (or projected) position snapshot.
type Position struct {
	Symbol       string
	Exchange     string
	Product      order.Product
	Quantity     int
	AveragePrice float64
	PnL          float64
	LastPrice    *float64

	// Intraday bucket, set only when the brokerage reports one.
	DayQuantity     *int
	DayAveragePrice *float64
	DayPnL          *float64
}

// Instrument is the "EXCHANGE:SYMBOL" key.
func (p Position) Instrument() string {
	return p.Exchange + ":" + p.Symbol
}

// Side is the direction the position is held in: Buy when long.
func (p Position) Side() order.Side {
	if p.Quantity < 0 {
		return order.Sell
	}
	return order.Buy
}

// SimPosition accumulates dry-run fills for one instrument.
type SimPosition struct {
	Symbol       string
	Exchange     string
	Product      order.Product
	Quantity     int
	AveragePrice float64
	MarkPrice    *float64
}

func (s SimPosition) ToPosition() Position {
	return Position{
		Symbol:       s.Symbol,
		Exchange:     s.Exchange,
		Product:      s.Product,
		Quantity:     s.Quantity,
		AveragePrice: s.AveragePrice,
		LastPrice:    s.MarkPrice,
	}
}

// Book is the simulated position book used in dry-run mode.
// Flat positions are never retained.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*SimPosition
}

func NewBook() *Book {
	return &Book{positions: make(map[string]*SimPosition)}
}

func key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Apply books a simulated fill of req at its limit price (or the running
// average when the order carries no price).
func (b *Book) Apply(req order.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(req.Exchange, req.Symbol)
	current, ok := b.positions[k]
	if !ok {
		current = &SimPosition{Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product}
	}

	newQty, newAvg := applyTrade(current.Quantity, current.AveragePrice, req.Side, req.Quantity, req.Price)
	if newQty == 0 {
		delete(b.positions, k)
		utils.GetLogger().Debugf("Position | [%s] flat, removed from simulated book", k)
		return
	}

	current.Quantity = newQty
	if req.Price != nil || current.AveragePrice == 0 {
		current.AveragePrice = newAvg
	}
	if req.Price != nil {
		mark := *req.Price
		current.MarkPrice = &mark
	}
	current.Product = req.Product
	b.positions[k] = current
}

// Positions projects the book, ordered by instrument key.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.positions))
	for k := range b.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.positions[k].ToPosition())
	}
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// applyTrade returns the running quantity and average after one fill.
//
// Reducing fills keep the average and do not realize pnl. Reversals leave a
// residual at the trade price.
func applyTrade(currentQty int, currentAvg float64, side order.Side, qty int, price *float64) (int, float64) {
	if qty <= 0 {
		return currentQty, currentAvg
	}

	sign := side.Sign()
	tradeValue := currentAvg
	if price != nil {
		tradeValue = *price
	}
	newQty := currentQty + sign*qty

	if currentQty == 0 {
		return newQty, tradeValue
	}

	if (currentQty > 0 && sign > 0) || (currentQty < 0 && sign < 0) {
		if tradeValue == 0 {
			return newQty, currentAvg
		}
		weighted := float64(abs(currentQty))*currentAvg + float64(qty)*tradeValue
		return newQty, weighted / float64(abs(newQty))
	}

	switch {
	case qty < abs(currentQty):
		return newQty, currentAvg
	case qty == abs(currentQty):
		return 0, 0
	default:
		return sign * (qty - abs(currentQty)), tradeValue
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
