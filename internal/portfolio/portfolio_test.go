package portfolio

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/amirphl/order-router/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	responses map[string]map[string]any
	err       error
}

func (s *stubClient) Get(_ context.Context, path string, _ url.Values) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.responses[path], nil
}

func (s *stubClient) Post(context.Context, string, url.Values) (map[string]any, error) {
	return nil, errors.New("unexpected")
}

func (s *stubClient) Put(context.Context, string, url.Values) (map[string]any, error) {
	return nil, errors.New("unexpected")
}

func (s *stubClient) Delete(context.Context, string) (map[string]any, error) {
	return nil, errors.New("unexpected")
}

func positionsPayload() map[string]any {
	return map[string]any{
		"status": "success",
		"data": map[string]any{
			"net": []any{
				map[string]any{
					"tradingsymbol": "INFY", "exchange": "NSE", "product": "MIS",
					"quantity": 0.0, "average_price": 0.0, "pnl": 0.0,
				},
				map[string]any{
					"tradingsymbol": "TCS", "exchange": "NSE", "product": "CNC",
					"quantity": 5.0, "average_price": 3400.0, "pnl": 0.0,
				},
				map[string]any{
					"tradingsymbol": "SBIN", "exchange": "NSE", "product": "???",
					"quantity": "abc", "average_price": "n/a",
				},
			},
			"overnight": []any{
				map[string]any{
					"tradingsymbol": "INFY", "exchange": "NSE", "product": "MIS",
					"quantity": 3.0, "average_price": 1500.0, "pnl": 12.5, "last_price": 1504.0,
				},
				map[string]any{
					"tradingsymbol": "TCS", "exchange": "NSE", "product": "CNC",
					"quantity": 5.0, "pnl": 40.0, "last_price": 3408.0,
				},
			},
			"day": []any{
				map[string]any{
					"tradingsymbol": "INFY", "exchange": "NSE", "product": "MIS",
					"quantity": 1.0, "average_price": 1501.0, "pnl": 3.0,
				},
				map[string]any{
					"tradingsymbol": "HDFCBANK", "exchange": "NSE", "product": "MIS",
					"quantity": -2.0, "average_price": 1600.0, "pnl": -4.0, "last_price": 1602.0,
				},
				nil,
			},
		},
	}
}

func TestPositions_MergesBuckets(t *testing.T) {
	r := NewReader(&stubClient{responses: map[string]map[string]any{
		"/portfolio/positions": positionsPayload(),
	}})

	positions, err := r.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 4)

	infy := positions[0]
	assert.Equal(t, "INFY", infy.Symbol)
	assert.Equal(t, 3, infy.Quantity, "non-zero quantity replaces a flat net entry")
	assert.Equal(t, 12.5, infy.PnL)
	require.NotNil(t, infy.DayQuantity)
	assert.Equal(t, 1, *infy.DayQuantity)
	assert.Equal(t, 1501.0, *infy.DayAveragePrice)
	assert.Equal(t, 3.0, *infy.DayPnL)

	tcs := positions[1]
	assert.Equal(t, 3400.0, tcs.AveragePrice)
	assert.Equal(t, 40.0, tcs.PnL, "zero pnl is backfilled")
	require.NotNil(t, tcs.LastPrice)
	assert.Equal(t, 3408.0, *tcs.LastPrice)
	assert.Nil(t, tcs.DayQuantity)

	sbin := positions[2]
	assert.Equal(t, order.MIS, sbin.Product)
	assert.Zero(t, sbin.Quantity)
	assert.Zero(t, sbin.AveragePrice)

	hdfc := positions[3]
	assert.Equal(t, -2, hdfc.Quantity)
	assert.Equal(t, -2, *hdfc.DayQuantity)
}

func TestIndexBySymbol(t *testing.T) {
	r := NewReader(&stubClient{responses: map[string]map[string]any{
		"/portfolio/positions": positionsPayload(),
	}})
	idx, err := r.IndexBySymbol(context.Background())
	require.NoError(t, err)
	assert.Contains(t, idx, "NSE:INFY")
	assert.Contains(t, idx, "NSE:HDFCBANK")
	assert.Len(t, idx, 4)
}

func TestHoldings(t *testing.T) {
	r := NewReader(&stubClient{responses: map[string]map[string]any{
		"/portfolio/holdings": {
			"status": "success",
			"data": []any{map[string]any{
				"tradingsymbol": "ITC", "exchange": "NSE", "quantity": 10.0, "t1_quantity": 2.0,
				"average_price": 420.0, "last_price": 431.5, "pnl": 115.0,
			}},
		},
	}})

	holdings, err := r.Holdings(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "ITC", holdings[0].Symbol)
	assert.Equal(t, 2, holdings[0].T1Quantity)
	assert.Equal(t, 431.5, holdings[0].LastPrice)
}

func TestPositions_TransportError(t *testing.T) {
	r := NewReader(&stubClient{err: errors.New("boom")})
	_, err := r.Positions(context.Background())
	assert.ErrorContains(t, err, "boom")

	_, err = r.Holdings(context.Background())
	assert.ErrorContains(t, err, "fetch holdings")
}
