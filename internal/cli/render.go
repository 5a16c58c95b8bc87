package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/amirphl/order-router/internal/order"
)

const timestampLayout = "2006-01-02 15:04:05"

func (d *Dispatcher) header() string {
	mode := "LIVE"
	if d.s.Config.DryRun {
		mode = "SIM"
	}
	return fmt.Sprintf("[%s] %s", d.now().Format(timestampLayout), mode)
}

func (d *Dispatcher) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

func formatPrice(t order.OrderType, price *float64) string {
	if t == order.Market || price == nil {
		return "@market"
	}
	return fmt.Sprintf("@₹%.2f", *price)
}

func formatTrigger(trigger *float64) string {
	if trigger == nil {
		return ""
	}
	return fmt.Sprintf(" trigger=₹%.2f", *trigger)
}

func formatMoney(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-₹%.2f", -v)
	}
	return fmt.Sprintf("₹%.2f", v)
}

func orderIDs(responses []order.Response) string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.OrderID
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

// statusText collapses a batch of statuses into one word when they agree.
func statusText(responses []order.Response) string {
	seen := make(map[string]struct{})
	for _, r := range responses {
		seen[r.Status] = struct{}{}
	}
	if len(seen) == 1 {
		for s := range seen {
			return s
		}
	}
	statuses := make([]string, 0, len(seen))
	for s := range seen {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	return "[" + strings.Join(statuses, ", ") + "]"
}

func (d *Dispatcher) renderOrder(req order.Request, resp order.Response, extra string) {
	if extra != "" {
		extra = " " + extra
	}
	d.printf("%s %s %d %s %s%s%s -> order_id=%s\n", d.header(), req.Side, req.Quantity, req.Symbol,
		formatPrice(req.Type, req.Price), formatTrigger(req.TriggerPrice), extra, resp.OrderID)
	d.printf("status=%s\n", resp.Status)
}

func (d *Dispatcher) renderBatch(label string, req order.Request, responses []order.Response, detail string) {
	d.printf("%s %s %s %d %s %s -> order_ids=%s\n", d.header(), label, req.Side, req.Quantity, req.Symbol, detail, orderIDs(responses))
	d.printf("status=%s\n", statusText(responses))
}

func (d *Dispatcher) renderCancelled(responses []order.Response) {
	d.printf("%s CANCEL -> order_ids=%s\n", d.header(), orderIDs(responses))
	d.printf("status=%s\n", statusText(responses))
}
