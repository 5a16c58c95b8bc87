package order

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// wireField encodes one request field. ok=false omits the field.
type wireField struct {
	key    string
	encode func(r Request) (value string, ok bool)
}

// requestFields is the outbound encoding table for Request.
var requestFields = []wireField{
	{"tradingsymbol", func(r Request) (string, bool) { return r.Symbol, true }},
	{"exchange", func(r Request) (string, bool) { return r.Exchange, true }},
	{"transaction_type", func(r Request) (string, bool) { return string(r.Side), true }},
	{"quantity", func(r Request) (string, bool) { return strconv.Itoa(r.Quantity), true }},
	{"order_type", func(r Request) (string, bool) { return string(r.Type), true }},
	{"product", func(r Request) (string, bool) { return string(r.Product), true }},
	{"price", func(r Request) (string, bool) { return encodeFloatPtr(r.Price) }},
	{"trigger_price", func(r Request) (string, bool) { return encodeFloatPtr(r.TriggerPrice) }},
	{"validity", func(r Request) (string, bool) { return string(r.Validity), r.Validity != "" }},
	{"variety", func(r Request) (string, bool) { return string(r.Variety), r.Variety != "" }},
	{"disclosed_quantity", func(r Request) (string, bool) { return strconv.Itoa(r.DisclosedQuantity), true }},
	{"tag", func(r Request) (string, bool) { return r.Tag, r.Tag != "" }},
	{"market_protection", func(r Request) (string, bool) { return encodeFloatPtr(r.MarketProtection) }},
	{"autoslice", func(r Request) (string, bool) {
		if r.Autoslice == nil {
			return "", false
		}
		return encodeBool(*r.Autoslice), true
	}},
	{"metadata", func(r Request) (string, bool) {
		if r.Metadata == nil {
			return "", false
		}
		return encodeJSON(r.Metadata)
	}},
}

// Form serializes the request into the brokerage's form encoding.
func (r Request) Form() url.Values {
	form := url.Values{}
	for _, f := range requestFields {
		if v, ok := f.encode(r); ok {
			form.Set(f.key, v)
		}
	}
	return form
}

func encodeFloatPtr(v *float64) (string, bool) {
	if v == nil {
		return "", false
	}
	return strconv.FormatFloat(*v, 'f', -1, 64), true
}

func encodeBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func encodeJSON(v any) (string, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Update is one settable field of a resting order. The set is closed:
// only the types in this package implement it.
type Update interface {
	Apply(r *Request)
	wire() (key, value string)
}

type PriceUpdate struct{ Value float64 }

func (u PriceUpdate) Apply(r *Request) { r.Price = Float(u.Value) }
func (u PriceUpdate) wire() (string, string) {
	return "price", strconv.FormatFloat(u.Value, 'f', -1, 64)
}

type TriggerPriceUpdate struct{ Value float64 }

func (u TriggerPriceUpdate) Apply(r *Request) { r.TriggerPrice = Float(u.Value) }
func (u TriggerPriceUpdate) wire() (string, string) {
	return "trigger_price", strconv.FormatFloat(u.Value, 'f', -1, 64)
}

type QuantityUpdate struct{ Value int }

func (u QuantityUpdate) Apply(r *Request)       { r.Quantity = u.Value }
func (u QuantityUpdate) wire() (string, string) { return "quantity", strconv.Itoa(u.Value) }

type OrderTypeUpdate struct{ Value OrderType }

func (u OrderTypeUpdate) Apply(r *Request)       { r.Type = u.Value }
func (u OrderTypeUpdate) wire() (string, string) { return "order_type", string(u.Value) }

type ValidityUpdate struct{ Value Validity }

func (u ValidityUpdate) Apply(r *Request)       { r.Validity = u.Value }
func (u ValidityUpdate) wire() (string, string) { return "validity", string(u.Value) }

type DisclosedQuantityUpdate struct{ Value int }

func (u DisclosedQuantityUpdate) Apply(r *Request) { r.DisclosedQuantity = u.Value }
func (u DisclosedQuantityUpdate) wire() (string, string) {
	return "disclosed_quantity", strconv.Itoa(u.Value)
}

// EncodeUpdates serializes a modification; later updates of the same field win.
func EncodeUpdates(updates []Update) url.Values {
	form := url.Values{}
	for _, u := range updates {
		k, v := u.wire()
		form.Set(k, v)
	}
	return form
}
