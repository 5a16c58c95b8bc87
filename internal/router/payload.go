package router

import (
	"strings"
	"time"

	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/journal"
	"github.com/amirphl/order-router/internal/order"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads brokerage timestamps. Unparseable or missing values
// fall back to the router clock.
func (r *Router) parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return r.now()
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	trimmed := strings.TrimSuffix(raw, "Z")
	for _, layout := range timestampLayouts[1:] {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t
		}
	}
	return r.now()
}

func optionalPrice(v any) *float64 {
	f, ok := exchange.Float(v)
	if !ok || f == 0 {
		return nil
	}
	return &f
}

func (r *Router) summaryFromPayload(entry map[string]any) (order.Summary, bool) {
	id := exchange.String(entry["order_id"])
	if id == "" {
		return order.Summary{}, false
	}
	side, _ := order.ParseSide(exchange.String(entry["transaction_type"]))
	return order.Summary{
		OrderID:      id,
		Status:       exchange.String(entry["status"]),
		Symbol:       exchange.String(entry["tradingsymbol"]),
		Side:         side,
		Exchange:     exchange.String(entry["exchange"]),
		Quantity:     exchange.Int(entry["quantity"]),
		Price:        optionalPrice(entry["price"]),
		AveragePrice: optionalPrice(entry["average_price"]),
		CreatedAt:    r.parseTimestamp(exchange.String(entry["order_timestamp"])),
		Variety:      order.ParseVariety(exchange.String(entry["variety"])),
		Product:      order.ParseProduct(exchange.String(entry["product"])),
	}, true
}

// recordFromPayload rebuilds an execution record from a brokerage order.
// Unknown enum codes fall back to their defaults.
func (r *Router) recordFromPayload(entry map[string]any) (journal.ExecutionRecord, bool) {
	id := exchange.String(entry["order_id"])
	if id == "" {
		return journal.ExecutionRecord{}, false
	}

	req := order.Request{
		Symbol:   exchange.String(entry["tradingsymbol"]),
		Exchange: exchange.String(entry["exchange"]),
		Side:     order.Side(strings.ToUpper(exchange.String(entry["transaction_type"]))),
		Quantity: exchange.Int(entry["quantity"]),
		Type:     order.ParseOrderType(exchange.String(entry["order_type"])),
		Product:  order.ParseProduct(exchange.String(entry["product"])),
		Validity: order.ParseValidity(exchange.String(entry["validity"])),
		Variety:  order.ParseVariety(exchange.String(entry["variety"])),
	}
	if f, ok := exchange.Float(entry["price"]); ok {
		req.Price = &f
	}
	if f, ok := exchange.Float(entry["trigger_price"]); ok {
		req.TriggerPrice = &f
	}

	return journal.ExecutionRecord{
		Request:   req,
		Response:  order.Response{OrderID: id, Status: exchange.String(entry["status"])},
		Timestamp: r.parseTimestamp(exchange.String(entry["order_timestamp"])),
	}, true
}
