// Package quote fetches last traded prices.
package quote

import (
	"context"
	"fmt"
	"net/url"

	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/position"
)

type Service struct {
	client exchange.Client
}

func NewService(client exchange.Client) *Service {
	return &Service{client: client}
}

// LTP returns the last traded price per "EXCHANGE:SYMBOL" key. Keys the
// brokerage does not quote are absent from the result.
func (s *Service) LTP(ctx context.Context, instruments []string) (map[string]float64, error) {
	keys := dedupe(instruments)
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}

	envelope, err := s.client.Get(ctx, "/quote/ltp", url.Values{"i": keys})
	if err != nil {
		return nil, fmt.Errorf("ltp: %w", err)
	}
	data := exchange.Map(exchange.Data(envelope))

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		item := exchange.Map(data[k])
		if item == nil {
			continue
		}
		if price, ok := exchange.Float(item["last_price"]); ok {
			out[k] = price
		}
	}
	return out, nil
}

// EnrichPositions fills LastPrice on positions that lack one.
func (s *Service) EnrichPositions(ctx context.Context, positions []position.Position) error {
	var missing []string
	for _, p := range positions {
		if p.LastPrice == nil {
			missing = append(missing, p.Instrument())
		}
	}
	if len(missing) == 0 {
		return nil
	}

	prices, err := s.LTP(ctx, missing)
	if err != nil {
		return err
	}
	for i := range positions {
		if positions[i].LastPrice != nil {
			continue
		}
		if price, ok := prices[positions[i].Instrument()]; ok {
			positions[i].LastPrice = &price
		}
	}
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
