// Package order
package order

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Side is the transaction type of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side: %q", raw)
}

// Opposite returns the flattening side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int {
	if s == Buy {
		return 1
	}
	return -1
}

type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	StopLoss  OrderType = "SL"
	StopLossM OrderType = "SL-M"
)

type Product string

const (
	CNC  Product = "CNC"
	MIS  Product = "MIS"
	NRML Product = "NRML"
	MTF  Product = "MTF"
)

// Variety selects the brokerage routing segment (/orders/{variety}).
type Variety string

const (
	Regular Variety = "regular"
	AMO     Variety = "amo"
	CO      Variety = "co"
	Iceberg Variety = "iceberg"
	Auction Variety = "auction"
)

type Validity string

const (
	Day Validity = "DAY"
	IOC Validity = "IOC"
	TTL Validity = "TTL"
)

// Order statuses the router cares about.
const (
	StatusOpen           = "OPEN"
	StatusTriggerPending = "TRIGGER PENDING"
	StatusCancelled      = "CANCELLED"
	StatusDryRun         = "dry-run"
)

// ParseOrderType falls back to MARKET for unknown codes.
func ParseOrderType(raw string) OrderType {
	switch t := OrderType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case Market, Limit, StopLoss, StopLossM:
		return t
	}
	return Market
}

// ParseProduct falls back to MIS for unknown codes.
func ParseProduct(raw string) Product {
	switch p := Product(strings.ToUpper(strings.TrimSpace(raw))); p {
	case CNC, MIS, NRML, MTF:
		return p
	}
	return MIS
}

// ParseVariety falls back to regular for unknown codes.
func ParseVariety(raw string) Variety {
	switch v := Variety(strings.ToLower(strings.TrimSpace(raw))); v {
	case Regular, AMO, CO, Iceberg, Auction:
		return v
	}
	return Regular
}

// ParseValidity falls back to DAY for unknown codes.
func ParseValidity(raw string) Validity {
	switch v := Validity(strings.ToUpper(strings.TrimSpace(raw))); v {
	case Day, IOC, TTL:
		return v
	}
	return Day
}

// Request is an order intent. Treat it as a value; the router copies it.
type Request struct {
	Symbol            string
	Exchange          string
	Side              Side
	Quantity          int
	Type              OrderType
	Product           Product
	Price             *float64
	TriggerPrice      *float64
	Validity          Validity
	Variety           Variety
	DisclosedQuantity int
	Tag               string
	MarketProtection  *float64
	Autoslice         *bool
	Metadata          map[string]string
}

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrMissingTrigger  = errors.New("stop-loss order requires a trigger price")
	ErrMissingPrice    = errors.New("limit order requires a price")
)

// Normalize fills defaults and downgrades SL without a price to SL-M. The
// result has its own copy of Metadata.
func (r Request) Normalize() Request {
	r.Metadata = maps.Clone(r.Metadata)
	if r.Validity == "" {
		r.Validity = Day
	}
	if r.Variety == "" {
		r.Variety = Regular
	}
	if r.Product == "" {
		r.Product = MIS
	}
	if r.Type == "" {
		r.Type = Market
	}
	if r.Type == StopLoss && r.Price == nil {
		r.Type = StopLossM
	}
	return r
}

// Validate checks the shape of a normalized request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("unknown side: %q", r.Side)
	}
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch r.Type {
	case Limit:
		if r.Price == nil {
			return ErrMissingPrice
		}
	case StopLoss, StopLossM:
		if r.TriggerPrice == nil {
			return ErrMissingTrigger
		}
	}
	return nil
}

// WithPrice returns a copy carrying the given limit price.
func (r Request) WithPrice(price float64) Request {
	r.Price = &price
	return r
}

// Instrument is the "EXCHANGE:SYMBOL" key.
func (r Request) Instrument() string {
	return r.Exchange + ":" + r.Symbol
}

// Response is a brokerage (or synthetic) acknowledgement.
type Response struct {
	OrderID   string
	Status    string
	RequestID string
	Info      map[string]string
}

// Summary is an open order as reported by the brokerage.
type Summary struct {
	OrderID      string
	Status       string
	Symbol       string
	Side         Side
	Exchange     string
	Quantity     int
	Price        *float64
	AveragePrice *float64
	CreatedAt    time.Time
	Variety      Variety
	Product      Product
}

// Ref returns a cancel/modify reference scoped to the summary's variety.
func (s Summary) Ref() Ref {
	return Ref{ID: s.OrderID, Variety: s.Variety}
}

// Ref identifies an order, optionally scoped to a variety.
type Ref struct {
	ID      string
	Variety Variety
}

// ID builds a Ref routed through the regular variety.
func ID(id string) Ref {
	return Ref{ID: id}
}

// Segment is the variety path token; empty resolves to regular.
func (r Ref) Segment() string {
	if r.Variety == "" {
		return string(Regular)
	}
	return string(ParseVariety(string(r.Variety)))
}

func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }
