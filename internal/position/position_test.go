package position

import (
	"testing"

	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	utils.SetLogger(zap.NewNop().Sugar())
}

func fill(side order.Side, qty int, price *float64) order.Request {
	return order.Request{
		Symbol:   "INFY",
		Exchange: "NSE",
		Side:     side,
		Quantity: qty,
		Type:     order.Limit,
		Product:  order.MIS,
		Price:    price,
	}
}

func TestApplyTrade(t *testing.T) {
	tests := []struct {
		name       string
		currentQty int
		currentAvg float64
		side       order.Side
		qty        int
		price      *float64
		wantQty    int
		wantAvg    float64
	}{
		{"open from flat", 0, 0, order.Buy, 2, order.Float(100), 2, 100},
		{"open short from flat", 0, 0, order.Sell, 3, order.Float(50), -3, 50},
		{"extend long blends average", 2, 100, order.Buy, 2, order.Float(110), 4, 105},
		{"extend short blends average", -1, 100, order.Sell, 3, order.Float(80), -4, 85},
		{"extend at zero price keeps average", 2, 100, order.Buy, 1, order.Float(0), 3, 100},
		{"reduce keeps average", 2, 100, order.Sell, 1, order.Float(105), 1, 100},
		{"flatten resets", 2, 100, order.Sell, 2, order.Float(105), 0, 0},
		{"reverse adopts trade price", 2, 100, order.Sell, 3, order.Float(105), -1, 105},
		{"reverse short into long", -2, 90, order.Buy, 5, order.Float(95), 3, 95},
		{"market fill uses running average", 2, 100, order.Buy, 2, nil, 4, 100},
		{"non-positive quantity is ignored", 2, 100, order.Buy, 0, order.Float(1), 2, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty, avg := applyTrade(tt.currentQty, tt.currentAvg, tt.side, tt.qty, tt.price)
			assert.Equal(t, tt.wantQty, qty)
			assert.InDelta(t, tt.wantAvg, avg, 1e-9)
		})
	}
}

func get(b *Book, exchange, symbol string) (SimPosition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[key(exchange, symbol)]
	if !ok {
		return SimPosition{}, false
	}
	return *p, true
}

func TestPosition_Side(t *testing.T) {
	assert.Equal(t, order.Buy, Position{Quantity: 3}.Side())
	assert.Equal(t, order.Sell, Position{Quantity: -3}.Side())
	assert.Equal(t, order.Sell, Position{Quantity: 3}.Side().Opposite())
}

func TestBook_ReducingTradeKeepsAverageAndMarks(t *testing.T) {
	b := NewBook()
	b.Apply(fill(order.Buy, 2, order.Float(100)))
	b.Apply(fill(order.Sell, 1, order.Float(105)))

	p, ok := get(b, "NSE", "INFY")
	require.True(t, ok)
	assert.Equal(t, 1, p.Quantity)
	assert.Equal(t, 100.0, p.AveragePrice)
	require.NotNil(t, p.MarkPrice)
	assert.Equal(t, 105.0, *p.MarkPrice)
}

func TestBook_Reversal(t *testing.T) {
	b := NewBook()
	b.Apply(fill(order.Buy, 2, order.Float(100)))
	b.Apply(fill(order.Sell, 3, order.Float(105)))

	p, ok := get(b, "NSE", "INFY")
	require.True(t, ok)
	assert.Equal(t, -1, p.Quantity)
	assert.Equal(t, 105.0, p.AveragePrice)
}

func TestBook_FlattenRemovesEntry(t *testing.T) {
	b := NewBook()
	b.Apply(fill(order.Buy, 2, order.Float(100)))
	b.Apply(fill(order.Sell, 2, order.Float(105)))

	_, ok := get(b, "NSE", "INFY")
	assert.False(t, ok)
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Positions())
}

func TestBook_MarketOpenHasNoMark(t *testing.T) {
	b := NewBook()
	req := fill(order.Buy, 5, nil)
	req.Type = order.Market
	b.Apply(req)

	p, ok := get(b, "NSE", "INFY")
	require.True(t, ok)
	assert.Equal(t, 5, p.Quantity)
	assert.Zero(t, p.AveragePrice)
	assert.Nil(t, p.MarkPrice)
}

func TestBook_PositionsSortedByInstrument(t *testing.T) {
	b := NewBook()
	tcs := fill(order.Buy, 1, order.Float(3500))
	tcs.Symbol = "TCS"
	b.Apply(tcs)
	b.Apply(fill(order.Sell, 4, order.Float(1500)))

	positions := b.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "NSE:INFY", positions[0].Instrument())
	assert.Equal(t, -4, positions[0].Quantity)
	assert.Equal(t, "NSE:TCS", positions[1].Instrument())
	assert.Equal(t, 3500.0, *positions[1].LastPrice)
}
