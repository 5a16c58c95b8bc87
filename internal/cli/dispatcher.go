package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/amirphl/order-router/internal/db"
	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/portfolio"
	"github.com/amirphl/order-router/internal/position"
	"github.com/amirphl/order-router/internal/router"
)

const (
	DefaultExchange = "NSE"
	Prompt          = "z> "

	defaultHistory = 10
)

// ErrQuit is returned by the quit command.
var ErrQuit = errors.New("quit")

// CommandError is a parse or validation failure shown to the user as is.
type CommandError struct{ Msg string }

func (e *CommandError) Error() string { return e.Msg }

func usage(format string, args ...any) error {
	return &CommandError{Msg: fmt.Sprintf(format, args...)}
}

type handler func(ctx context.Context, args []string) error

// Dispatcher parses command tokens and runs them against a Session.
type Dispatcher struct {
	s              *Session
	out            io.Writer
	defaultProduct order.Product
	handlers       map[string]handler

	now        func() time.Time
	newGroupID func() string
}

type DispatcherOption func(*Dispatcher)

func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithGroupIDs(gen func() string) DispatcherOption {
	return func(d *Dispatcher) { d.newGroupID = gen }
}

func NewDispatcher(s *Session, out io.Writer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		s:              s,
		out:            out,
		defaultProduct: order.ParseProduct(s.Config.DefaultProduct),
		now:            time.Now,
		newGroupID:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
	d.handlers = map[string]handler{
		"help":     d.doHelp,
		"buy":      func(ctx context.Context, args []string) error { return d.doEntry(ctx, order.Buy, args) },
		"sell":     func(ctx context.Context, args []string) error { return d.doEntry(ctx, order.Sell, args) },
		"sl":       d.doStopLoss,
		"close":    d.doClose,
		"cancel":   d.doCancel,
		"scale":    d.doScale,
		"chase":    d.doChase,
		"swarm":    d.doSwarm,
		"orders":   d.doOrders,
		"pos":      d.doPositions,
		"holdings": d.doHoldings,
		"history":  d.doHistory,
		"quit":     func(context.Context, []string) error { return ErrQuit },
		"exit":     func(context.Context, []string) error { return ErrQuit },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one tokenized command. A leading "z" is ignored.
func (d *Dispatcher) Execute(ctx context.Context, tokens []string) error {
	if len(tokens) > 0 && strings.EqualFold(tokens[0], "z") {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return nil
	}
	name := strings.ToLower(tokens[0])
	h, ok := d.handlers[name]
	if !ok {
		return usage("Unknown command: %s", name)
	}
	return h(ctx, tokens[1:])
}

func (d *Dispatcher) doHelp(context.Context, []string) error {
	d.printf("Available commands: buy, sell, sl, close, cancel, cancel where, cancel ladder, cancel nonessential, " +
		"cancel latest, scale, chase, swarm, orders, pos, holdings, history, help, quit\n")
	d.printf("Use -dry-run or -live when launching to toggle mode. Ctrl+D or 'quit' exits.\n")
	return nil
}

// Token parsing.

func parseInt(token, label string, minimum int) (int, error) {
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, usage("Invalid %s; expected integer", label)
	}
	if v < minimum {
		return 0, usage("%s must be >= %d", label, minimum)
	}
	return v, nil
}

func parseQuantity(token string) (int, error) { return parseInt(token, "quantity", 1) }

func parseFloat(token, label string) (float64, error) {
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, usage("Invalid %s; expected number", label)
	}
	return v, nil
}

func isMarketWord(s string) bool {
	s = strings.ToLower(s)
	return s == "market" || s == "mkt"
}

// parsePriceToken reads "@123.5", "123.5", "mkt" or "market". An absent
// token means MARKET.
func parsePriceToken(token string) (order.OrderType, *float64, error) {
	if token == "" {
		return order.Market, nil, nil
	}
	raw := strings.TrimPrefix(token, "@")
	if isMarketWord(raw) {
		return order.Market, nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", nil, usage("Invalid price token; expected @<number>")
	}
	return order.Limit, &v, nil
}

// orderFlags are the per-order options shared by the placing commands.
type orderFlags struct {
	fs       *pflag.FlagSet
	product  string
	exchange string
	side     string
	role     string
	group    string
	strategy string
	tag      string
	protect  bool
}

func newOrderFlags(name string) *orderFlags {
	f := &orderFlags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	f.fs.SetOutput(io.Discard)
	f.fs.StringVar(&f.product, "product", "", "CNC, MIS, NRML or MTF")
	f.fs.StringVar(&f.exchange, "exchange", DefaultExchange, "exchange segment")
	f.fs.StringVar(&f.role, "role", "", "metadata role")
	f.fs.StringVar(&f.group, "group", "", "metadata group")
	f.fs.StringVar(&f.strategy, "strategy", "", "metadata strategy id")
	f.fs.StringVar(&f.tag, "tag", "", "brokerage order tag")
	f.fs.BoolVar(&f.protect, "protect", false, "mark the order protected from bulk cancels")
	return f
}

func (f *orderFlags) withSide(def string) *orderFlags {
	f.fs.StringVar(&f.side, "side", def, "buy or sell")
	return f
}

func (f *orderFlags) parse(args []string) ([]string, error) {
	if err := f.fs.Parse(args); err != nil {
		return nil, usage("%s: %v", f.fs.Name(), err)
	}
	return f.fs.Args(), nil
}

func (f *orderFlags) parsedSide() (order.Side, error) {
	side, err := order.ParseSide(f.side)
	if err != nil {
		return "", usage("Invalid side %q; expected buy or sell", f.side)
	}
	return side, nil
}

// metadata composes the order metadata. Flags override the command's
// defaults.
func (f *orderFlags) metadata(symbol, role string, protected bool) map[string]string {
	if f.role != "" {
		role = f.role
	}
	md := map[string]string{
		"symbol":    symbol,
		"role":      role,
		"protected": strconv.FormatBool(protected || f.protect),
	}
	if f.group != "" {
		md["group"] = f.group
	}
	if f.strategy != "" {
		md["strategy_id"] = f.strategy
	}
	return md
}

func (d *Dispatcher) baseRequest(f *orderFlags, symbol string, side order.Side, qty int) order.Request {
	product := d.defaultProduct
	if f.product != "" {
		product = order.ParseProduct(f.product)
	}
	req := order.Request{
		Symbol:   symbol,
		Exchange: strings.ToUpper(f.exchange),
		Side:     side,
		Quantity: qty,
		Product:  product,
		Validity: order.Day,
		Variety:  order.Regular,
		Tag:      f.tag,
	}
	if d.s.Config.Autoslice {
		req.Autoslice = order.Bool(true)
	}
	return req
}

// record stores the request metadata for each acknowledged order. Index
// failures are reported but do not fail the command.
func (d *Dispatcher) record(ctx context.Context, req order.Request, responses ...order.Response) {
	now := d.now().UTC()
	var entries []db.Metadata
	for _, resp := range responses {
		if resp.OrderID == "" {
			continue
		}
		entries = append(entries, db.Metadata{
			OrderID:    resp.OrderID,
			Role:       req.Metadata["role"],
			Group:      req.Metadata["group"],
			StrategyID: req.Metadata["strategy_id"],
			Protected:  req.Metadata["protected"] == "true",
			Symbol:     req.Symbol,
			CreatedAt:  now,
		})
	}
	if err := d.s.Index.RecordAll(ctx, entries); err != nil {
		d.printf("Warning: failed to index orders (%v)\n", err)
	}
}

// Placing commands.

func (d *Dispatcher) doEntry(ctx context.Context, side order.Side, args []string) error {
	name := strings.ToLower(string(side))
	f := newOrderFlags(name)
	pos, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(pos) < 2 || len(pos) > 3 {
		return usage("Usage: %s SYMBOL QTY [@PRICE|mkt] [--product P] [--exchange X] [--role R] [--group G] [--strategy S] [--protect]", name)
	}
	qty, err := parseQuantity(pos[1])
	if err != nil {
		return err
	}
	var priceToken string
	if len(pos) == 3 {
		priceToken = pos[2]
	}
	typ, price, err := parsePriceToken(priceToken)
	if err != nil {
		return err
	}

	req := d.baseRequest(f, pos[0], side, qty)
	req.Type = typ
	req.Price = price
	req.MarketProtection = order.Float(d.s.Config.MarketProtection)
	req.Metadata = f.metadata(pos[0], "entry", false)

	resp, err := d.s.Router.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	d.record(ctx, req, resp)
	d.renderOrder(req, resp, "")
	return nil
}

func (d *Dispatcher) doStopLoss(ctx context.Context, args []string) error {
	f := newOrderFlags("sl").withSide("sell")
	pos, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(pos) < 3 || len(pos) > 4 {
		return usage("Usage: sl SYMBOL QTY TRIGGER [PRICE] [--side buy|sell]")
	}
	side, err := f.parsedSide()
	if err != nil {
		return err
	}
	qty, err := parseQuantity(pos[1])
	if err != nil {
		return err
	}
	trigger, err := parseFloat(pos[2], "trigger")
	if err != nil {
		return err
	}

	req := d.baseRequest(f, pos[0], side, qty)
	req.Type = order.StopLossM
	req.TriggerPrice = &trigger
	if len(pos) == 4 && !isMarketWord(pos[3]) {
		price, err := parseFloat(pos[3], "price")
		if err != nil {
			return err
		}
		req.Type = order.StopLoss
		req.Price = &price
	}
	req.Metadata = f.metadata(pos[0], "stop_loss", true)

	resp, err := d.s.Router.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	d.record(ctx, req, resp)
	d.renderOrder(req, resp, "")
	return nil
}

func (d *Dispatcher) positions(ctx context.Context) ([]position.Position, error) {
	if d.s.Config.DryRun {
		return d.s.Router.SimulatedPositions(), nil
	}
	return d.s.Portfolio.Positions(ctx)
}

// selectPosition matches "EXCH:SYMBOL" exactly, or a bare symbol when it is
// unique across exchanges.
func selectPosition(positions []position.Position, token string) (position.Position, bool) {
	want := strings.ToUpper(token)
	if strings.Contains(want, ":") {
		for _, p := range positions {
			if strings.ToUpper(p.Instrument()) == want {
				return p, true
			}
		}
		return position.Position{}, false
	}
	var matches []position.Position
	for _, p := range positions {
		if strings.ToUpper(p.Symbol) == want {
			matches = append(matches, p)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return position.Position{}, false
}

func (d *Dispatcher) doClose(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("Usage: close SYMBOL|EXCH:SYMBOL [buy|sell]")
	}
	var side *order.Side
	if len(args) == 2 {
		s, err := order.ParseSide(args[1])
		if err != nil {
			return usage("Invalid side %q; expected buy or sell", args[1])
		}
		side = &s
	}

	all, err := d.positions(ctx)
	if err != nil {
		return err
	}
	open := all[:0:0]
	for _, p := range all {
		if p.Quantity != 0 {
			open = append(open, p)
		}
	}
	match, ok := selectPosition(open, args[0])
	if !ok {
		return usage("No open position for %s", args[0])
	}

	resp, err := d.s.Router.ClosePosition(ctx, match, side)
	if errors.Is(err, router.ErrAlreadyFlat) {
		d.printf("Warning: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	preview := order.Request{
		Symbol:   match.Symbol,
		Exchange: match.Exchange,
		Side:     match.Side().Opposite(),
		Quantity: max(match.Quantity, -match.Quantity),
		Type:     order.Market,
		Product:  match.Product,
	}
	if side != nil {
		preview.Side = *side
	}
	d.renderOrder(preview, resp, "[close]")
	return nil
}

func (d *Dispatcher) doScale(ctx context.Context, args []string) error {
	f := newOrderFlags("scale").withSide("buy")
	pos, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(pos) != 5 {
		return usage("Usage: scale SYMBOL QTY START END COUNT [--side buy|sell]")
	}
	side, err := f.parsedSide()
	if err != nil {
		return err
	}
	qty, err := parseQuantity(pos[1])
	if err != nil {
		return err
	}
	start, err := parseFloat(pos[2], "start")
	if err != nil {
		return err
	}
	end, err := parseFloat(pos[3], "end")
	if err != nil {
		return err
	}
	count, err := parseInt(pos[4], "count", 1)
	if err != nil {
		return err
	}

	symbol := pos[0]
	if f.group == "" {
		f.group = fmt.Sprintf("ladder:%s:%s", symbol, d.newGroupID())
	}
	template := d.baseRequest(f, symbol, side, qty)
	template.Type = order.Limit
	template.Metadata = f.metadata(symbol, "entry", false)

	responses, err := d.s.Router.ScaleOrder(ctx, template, count, start, end)
	d.record(ctx, template, responses...)
	if len(responses) > 0 {
		d.renderBatch("SCALE", template, responses, fmt.Sprintf("between %g-%g (%d legs)", start, end, count))
	}
	return err
}

func (d *Dispatcher) doChase(ctx context.Context, args []string) error {
	f := newOrderFlags("chase").withSide("buy")
	target := f.fs.Float64("target", 0, "stop repricing at this price")
	interval := f.fs.Duration("interval", 0, "delay between moves")
	pos, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(pos) != 5 {
		return usage("Usage: chase SYMBOL QTY PRICE MAX_MOVES TICK [--side buy|sell] [--target PRICE] [--interval DUR]")
	}
	side, err := f.parsedSide()
	if err != nil {
		return err
	}
	qty, err := parseQuantity(pos[1])
	if err != nil {
		return err
	}
	price, err := parseFloat(pos[2], "price")
	if err != nil {
		return err
	}
	maxMoves, err := parseInt(pos[3], "max_moves", 1)
	if err != nil {
		return err
	}
	tick, err := parseFloat(pos[4], "tick")
	if err != nil {
		return err
	}

	req := d.baseRequest(f, pos[0], side, qty)
	req.Type = order.Limit
	req.Price = &price
	req.Metadata = f.metadata(pos[0], "entry", false)

	opts := router.ChaseOptions{MaxMoves: maxMoves, TickSize: tick, Interval: *interval}
	if f.fs.Changed("target") {
		opts.Target = target
	}
	resp, err := d.s.Router.ChaseOrder(ctx, req, opts)
	if resp.OrderID != "" {
		d.record(ctx, req, resp)
		d.renderOrder(req, resp, fmt.Sprintf("[chase max_moves=%d tick=%g]", maxMoves, tick))
	}
	return err
}

func (d *Dispatcher) doSwarm(ctx context.Context, args []string) error {
	f := newOrderFlags("swarm").withSide("buy")
	delay := f.fs.Duration("delay", 0, "delay between orders")
	pos, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(pos) < 3 || len(pos) > 4 {
		return usage("Usage: swarm SYMBOL QTY COUNT [@PRICE|mkt] [--side buy|sell] [--delay DUR]")
	}
	side, err := f.parsedSide()
	if err != nil {
		return err
	}
	qty, err := parseQuantity(pos[1])
	if err != nil {
		return err
	}
	count, err := parseInt(pos[2], "count", 1)
	if err != nil {
		return err
	}
	var priceToken string
	if len(pos) == 4 {
		priceToken = pos[3]
	}
	typ, price, err := parsePriceToken(priceToken)
	if err != nil {
		return err
	}

	req := d.baseRequest(f, pos[0], side, qty)
	req.Type = typ
	req.Price = price
	req.MarketProtection = order.Float(d.s.Config.MarketProtection)
	req.Metadata = f.metadata(pos[0], "entry", false)
	reqs := make([]order.Request, count)
	for i := range reqs {
		reqs[i] = req
	}

	wait := *delay
	if wait <= 0 {
		wait = d.s.Router.Config().SwarmDelay
	}
	responses, err := d.s.Router.Swarm(ctx, reqs, wait)
	d.record(ctx, req, responses...)
	if len(responses) > 0 {
		d.renderBatch("SWARM", req, responses, fmt.Sprintf("%s x%d", formatPrice(typ, price), count))
	}
	return err
}

// Views.

func (d *Dispatcher) doOrders(ctx context.Context, _ []string) error {
	open, err := d.s.Router.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	d.printf("%s OPEN ORDERS (%d)\n", d.header(), len(open))
	if len(open) == 0 {
		d.printf("None\n")
		return nil
	}
	tw := tabwriter.NewWriter(d.out, 0, 4, 1, ' ', 0)
	for _, o := range open {
		typ := order.Market
		if o.Price != nil {
			typ = order.Limit
		}
		fmt.Fprintf(tw, "- %s:\t%s\t%d\t%s\t%s\tstatus=%s\n", o.OrderID, o.Side, o.Quantity, o.Symbol, formatPrice(typ, o.Price), o.Status)
	}
	return tw.Flush()
}

func (d *Dispatcher) doPositions(ctx context.Context, _ []string) error {
	all, err := d.positions(ctx)
	if err != nil {
		return err
	}
	if !d.s.Config.DryRun {
		if err := d.s.Quotes.EnrichPositions(ctx, all); err != nil {
			d.printf("Warning: quote lookup failed (%v).\n", err)
		}
	}

	d.printf("%s POSITIONS:\n", d.header())
	var (
		totalUnrealized float64
		totalDay        float64
		rows            int
	)
	tw := tabwriter.NewWriter(d.out, 0, 4, 1, ' ', 0)
	for _, p := range all {
		if p.Quantity == 0 {
			continue
		}
		rows++
		mark := p.AveragePrice
		if p.LastPrice != nil {
			mark = *p.LastPrice
		}
		unrealized := (mark - p.AveragePrice) * float64(p.Quantity)
		totalUnrealized += unrealized
		totalDay += p.PnL
		fmt.Fprintf(tw, "- %s:\t%+d\t@₹%.2f\tmark=₹%.2f\tpnl=%s\tday=%s\n",
			p.Instrument(), p.Quantity, p.AveragePrice, mark, formatMoney(unrealized), formatMoney(p.PnL))
	}
	if rows == 0 {
		d.printf("None\n")
		return nil
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	d.printf("Unrealized PnL: %s\n", formatMoney(totalUnrealized))
	d.printf("Day PnL: %s\n", formatMoney(totalDay))
	return nil
}

// doHoldings lists delivery holdings. Dry-run mode simulates none.
func (d *Dispatcher) doHoldings(ctx context.Context, _ []string) error {
	var holdings []portfolio.Holding
	if !d.s.Config.DryRun {
		h, err := d.s.Portfolio.Holdings(ctx)
		if err != nil {
			return err
		}
		holdings = h
	}

	d.printf("%s HOLDINGS:\n", d.header())
	if len(holdings) == 0 {
		d.printf("None\n")
		return nil
	}
	var total float64
	tw := tabwriter.NewWriter(d.out, 0, 4, 1, ' ', 0)
	for _, h := range holdings {
		total += h.PnL
		fmt.Fprintf(tw, "- %s:%s:\t%d\tt1=%d\t@₹%.2f\tltp=₹%.2f\tpnl=%s\n",
			h.Exchange, h.Symbol, h.Quantity, h.T1Quantity, h.AveragePrice, h.LastPrice, formatMoney(h.PnL))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	d.printf("Holdings PnL: %s\n", formatMoney(total))
	return nil
}

func (d *Dispatcher) doHistory(ctx context.Context, args []string) error {
	limit := defaultHistory
	if len(args) > 0 {
		n, err := parseInt(args[0], "count", 1)
		if err != nil {
			return err
		}
		limit = n
	}
	records, err := d.s.Router.RecentHistory(ctx, limit)
	if err != nil {
		return err
	}
	d.printf("%s HISTORY (last %d)\n", d.header(), limit)
	if len(records) == 0 {
		d.printf("None\n")
		return nil
	}
	tw := tabwriter.NewWriter(d.out, 0, 4, 1, ' ', 0)
	for _, rec := range records {
		fmt.Fprintf(tw, "- %s\t%s\t%s\t%d\t%s\t%s\tstatus=%s\n",
			rec.Timestamp.Format(timestampLayout), rec.Response.OrderID, rec.Request.Side, rec.Request.Quantity,
			rec.Request.Symbol, formatPrice(rec.Request.Type, rec.Request.Price), rec.Response.Status)
	}
	return tw.Flush()
}
