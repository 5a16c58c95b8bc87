package cli

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/order-router/internal/db"
	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/orderfilter"
	"github.com/amirphl/order-router/internal/router"
)

// indexedOrder joins an open order with its side-index metadata.
type indexedOrder struct {
	summary order.Summary
	meta    db.Metadata
}

func (o indexedOrder) createdAt() time.Time {
	if !o.meta.CreatedAt.IsZero() {
		return o.meta.CreatedAt
	}
	return o.summary.CreatedAt
}

func (o indexedOrder) age(now time.Time) float64 {
	return max(now.Sub(o.createdAt()).Seconds(), 0)
}

func (o indexedOrder) fields(now time.Time) orderfilter.Fields {
	return orderfilter.Fields{
		Age:        o.age(now),
		Role:       o.meta.Role,
		Group:      o.meta.Group,
		StrategyID: o.meta.StrategyID,
		Protected:  o.meta.Protected,
		Symbol:     o.summary.Symbol,
		Status:     o.summary.Status,
		Quantity:   o.summary.Quantity,
	}
}

// indexedOrders lists open orders with their metadata. Orders the index has
// never seen get empty tags and the brokerage creation time.
func (d *Dispatcher) indexedOrders(ctx context.Context) ([]indexedOrder, error) {
	open, err := d.s.Router.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(open))
	for i, o := range open {
		ids[i] = o.OrderID
	}
	metas, err := d.s.Index.BulkFetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]indexedOrder, len(open))
	for i, o := range open {
		m, ok := metas[o.OrderID]
		if !ok {
			m = db.Metadata{OrderID: o.OrderID}
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = o.CreatedAt
		}
		if m.Symbol == "" {
			m.Symbol = o.Symbol
		}
		out[i] = indexedOrder{summary: o, meta: m}
	}
	return out, nil
}

// cancelFlags strips --include-protected and --confirm from tokens.
func cancelFlags(tokens []string) (rest []string, includeProtected, confirm bool) {
	for _, t := range tokens {
		switch t {
		case "--include-protected":
			includeProtected = true
		case "--confirm":
			confirm = true
		default:
			rest = append(rest, t)
		}
	}
	return rest, includeProtected, confirm
}

func (d *Dispatcher) doCancel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("Usage: cancel ORDERID... | all | latest [buy|sell] [N] | where EXPR | ladder SYMBOL | nonessential [--strategy ID]")
	}
	switch strings.ToLower(args[0]) {
	case "where":
		return d.cancelWhere(ctx, args[1:])
	case "ladder":
		return d.cancelLadder(ctx, args[1:])
	case "nonessential":
		return d.cancelNonessential(ctx, args[1:])
	case "latest":
		return d.cancelLatest(ctx, args[1:])
	case "all":
		if len(args) == 1 {
			return d.cancelAll(ctx)
		}
	}
	return d.cancelIDs(ctx, args)
}

func (d *Dispatcher) cancelAll(ctx context.Context) error {
	open, err := d.s.Router.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		d.printf("No open orders to cancel.\n")
		return nil
	}
	refs := make([]order.Ref, len(open))
	for i, o := range open {
		refs[i] = o.Ref()
	}
	return d.cancel(ctx, refs)
}

func (d *Dispatcher) cancelIDs(ctx context.Context, ids []string) error {
	open, err := d.s.Router.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	varieties := make(map[string]order.Variety, len(open))
	for _, o := range open {
		varieties[o.OrderID] = o.Variety
	}
	refs := make([]order.Ref, len(ids))
	for i, id := range ids {
		refs[i] = order.Ref{ID: id, Variety: varieties[id]}
	}
	return d.cancel(ctx, refs)
}

// cancelLatest cancels the newest N (default 1) open orders, optionally of
// one side.
func (d *Dispatcher) cancelLatest(ctx context.Context, args []string) error {
	var opts router.FilterOptions
	opts.Latest = true
	count := 1
	for _, a := range args {
		if side, err := order.ParseSide(a); err == nil {
			opts.Side = side
			continue
		}
		n, err := parseInt(a, "count", 1)
		if err != nil {
			return usage("Usage: cancel latest [buy|sell] [N]")
		}
		count = n
	}
	opts.Count = &count

	matches, err := d.s.Router.FilterOrders(ctx, opts)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		d.printf("No matching open orders.\n")
		return nil
	}
	refs := make([]order.Ref, 0, len(matches))
	for i := len(matches) - 1; i >= 0; i-- {
		refs = append(refs, matches[i].Ref())
	}
	return d.cancel(ctx, refs)
}

func (d *Dispatcher) cancelWhere(ctx context.Context, args []string) error {
	tokens, includeProtected, confirm := cancelFlags(args)
	text := strings.TrimSpace(strings.Join(tokens, " "))
	if text == "" {
		return usage("Usage: cancel where <expression> [--include-protected] [--confirm]")
	}
	expr, err := orderfilter.Compile(text)
	if err != nil {
		return usage("Invalid expression: %v", err)
	}

	indexed, err := d.indexedOrders(ctx)
	if err != nil {
		return err
	}
	now := d.now()
	var matches []indexedOrder
	for _, o := range indexed {
		ok, err := expr.Eval(o.fields(now))
		if err != nil {
			return usage("Invalid expression: %v", err)
		}
		if ok {
			matches = append(matches, o)
		}
	}
	return d.executeCancel(ctx, matches, includeProtected, confirm)
}

func (d *Dispatcher) cancelLadder(ctx context.Context, args []string) error {
	tokens, includeProtected, confirm := cancelFlags(args)
	if len(tokens) == 0 {
		return usage("Usage: cancel ladder SYMBOL [--include-protected] [--confirm]")
	}
	indexed, err := d.indexedOrders(ctx)
	if err != nil {
		return err
	}
	var matches []indexedOrder
	for _, o := range indexed {
		if o.summary.Symbol == tokens[0] {
			matches = append(matches, o)
		}
	}
	return d.executeCancel(ctx, matches, includeProtected, confirm)
}

func (d *Dispatcher) cancelNonessential(ctx context.Context, args []string) error {
	tokens, includeProtected, confirm := cancelFlags(args)
	var strategy string
	for i := 0; i < len(tokens); i++ {
		if tokens[i] != "--strategy" {
			return usage("Usage: cancel nonessential [--strategy ID] [--include-protected] [--confirm]")
		}
		if i+1 >= len(tokens) {
			return usage("--strategy expects an identifier")
		}
		strategy = tokens[i+1]
		i++
	}

	indexed, err := d.indexedOrders(ctx)
	if err != nil {
		return err
	}
	var matches []indexedOrder
	for _, o := range indexed {
		if strategy == "" || o.meta.StrategyID == strategy {
			matches = append(matches, o)
		}
	}
	return d.executeCancel(ctx, matches, includeProtected, confirm)
}

// executeCancel drops protected orders unless explicitly included and
// confirmed, then cancels the rest newest first.
func (d *Dispatcher) executeCancel(ctx context.Context, orders []indexedOrder, includeProtected, confirm bool) error {
	if len(orders) == 0 {
		d.printf("No matching open orders.\n")
		return nil
	}
	var protected, targets []indexedOrder
	for _, o := range orders {
		if o.meta.Protected {
			protected = append(protected, o)
		}
		if includeProtected || !o.meta.Protected {
			targets = append(targets, o)
		}
	}
	if !includeProtected && len(protected) > 0 {
		d.printf("Skipping %d protected orders. Use --include-protected --confirm to override.\n", len(protected))
	}
	if includeProtected && len(protected) > 0 && !confirm {
		return usage("Cancelling protected legs requires --confirm.")
	}
	if len(targets) == 0 {
		d.printf("No matching open orders.\n")
		return nil
	}

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].createdAt().After(targets[j].createdAt())
	})
	d.printf("Cancelling %d orders:\n", len(targets))
	refs := make([]order.Ref, len(targets))
	for i, o := range targets {
		role := o.meta.Role
		if role == "" {
			role = "--"
		}
		d.printf("- %s %s qty=%d role=%s status=%s\n", o.summary.OrderID, o.summary.Symbol, o.summary.Quantity, role, o.summary.Status)
		refs[i] = o.summary.Ref()
	}
	return d.cancel(ctx, refs)
}

// cancel sends refs to the router, prints the outcome and drops cancelled
// orders from the metadata index.
func (d *Dispatcher) cancel(ctx context.Context, refs []order.Ref) error {
	responses, cancelErr := d.s.Router.CancelOrders(ctx, refs...)
	if len(responses) > 0 {
		d.renderCancelled(responses)
	}

	var done []string
	for _, r := range responses {
		if r.Status != "error" {
			done = append(done, r.OrderID)
		}
	}
	if err := d.s.Index.Purge(ctx, done); err != nil {
		d.printf("Warning: failed to purge index (%v)\n", err)
	}
	return cancelErr
}

// IsUsage reports whether err is a CommandError.
func IsUsage(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
