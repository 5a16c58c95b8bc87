// Package router turns order intents into brokerage calls, or simulates them
// locally in dry-run mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/journal"
	"github.com/amirphl/order-router/internal/metrics"
	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/position"
	"github.com/amirphl/order-router/internal/ratelimit"
	"github.com/amirphl/order-router/internal/utils"
)

var (
	ErrNotFound      = errors.New("order not found in dry-run book")
	ErrAlreadyFlat   = errors.New("position already flat")
	ErrChaseNotLimit = errors.New("chase requires an initial LIMIT order")
	ErrChaseNoPrice  = errors.New("chase requires a starting limit price")
)

// DryRunPrefix starts every synthetic order id.
const DryRunPrefix = "DRY-"

// Config holds the router's behavioural knobs. Zero values are replaced by
// the defaults from DefaultConfig, except MarketProtection and Autoslice.
type Config struct {
	DryRun           bool
	MarketProtection float64
	Autoslice        bool

	PerSecond int
	PerMinute int

	// ThrottleWarning is the minute-window occupancy that triggers a warning.
	ThrottleWarning float64

	ScalePacing   time.Duration
	ChaseInterval time.Duration
	ChaseTick     float64
	ChaseMaxMoves int
	SwarmDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DryRun:           true,
		MarketProtection: 2.5,
		PerSecond:        10,
		PerMinute:        200,
		ThrottleWarning:  0.8,
		ScalePacing:      200 * time.Millisecond,
		ChaseInterval:    500 * time.Millisecond,
		ChaseTick:        0.05,
		ChaseMaxMoves:    20,
		SwarmDelay:       100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PerSecond <= 0 {
		c.PerSecond = d.PerSecond
	}
	if c.PerMinute <= 0 {
		c.PerMinute = d.PerMinute
	}
	if c.ThrottleWarning <= 0 {
		c.ThrottleWarning = d.ThrottleWarning
	}
	if c.ScalePacing <= 0 {
		c.ScalePacing = d.ScalePacing
	}
	if c.ChaseInterval <= 0 {
		c.ChaseInterval = d.ChaseInterval
	}
	if c.ChaseTick <= 0 {
		c.ChaseTick = d.ChaseTick
	}
	if c.ChaseMaxMoves <= 0 {
		c.ChaseMaxMoves = d.ChaseMaxMoves
	}
	if c.SwarmDelay <= 0 {
		c.SwarmDelay = d.SwarmDelay
	}
	return c
}

// SleepFunc pauses between paced steps and returns early when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Option func(*Router)

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func WithSleeper(sleep SleepFunc) Option {
	return func(r *Router) { r.sleep = sleep }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Router) { r.newID = gen }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Router) { r.log = l }
}

// dryOrder is a resting simulated order.
type dryOrder struct {
	request      order.Request
	createdAt    time.Time
	status       string
	averagePrice *float64
}

// Router owns the execution history, the dry-run order book and the
// simulated position book for its lifetime. It is safe for concurrent use.
type Router struct {
	cfg     Config
	client  exchange.Client
	limiter *ratelimit.Limiter
	history *journal.History
	book    *position.Book

	mu        sync.Mutex
	dryOrders map[string]*dryOrder
	dryOrder  []string // insertion order of dryOrders keys

	now   func() time.Time
	sleep SleepFunc
	newID func() string
	log   *zap.SugaredLogger
}

func New(cfg Config, client exchange.Client, opts ...Option) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:       cfg,
		client:    client,
		history:   journal.NewHistory(journal.DefaultCapacity),
		book:      position.NewBook(),
		dryOrders: make(map[string]*dryOrder),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
		newID:     newDryRunID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.New(cfg.PerSecond, cfg.PerMinute)
	}
	if r.log == nil {
		r.log = utils.GetLogger()
	}
	return r
}

func newDryRunID() string {
	return DryRunPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (r *Router) Config() Config { return r.cfg }

func (r *Router) DryRun() bool { return r.cfg.DryRun }

func (r *Router) mode() string { return metrics.Mode(r.cfg.DryRun) }

// throttle waits for rate-limit budget. Dry-run calls are never throttled.
func (r *Router) throttle(ctx context.Context) error {
	if r.cfg.DryRun {
		return nil
	}
	start := time.Now()
	if err := r.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	metrics.ThrottleWait.Observe(time.Since(start).Seconds())
	if usage := r.limiter.MinuteUsage(); usage >= r.cfg.ThrottleWarning {
		r.log.Warnf("Router | rate limit window %.0f%% used", usage*100)
	}
	return nil
}

// PlaceOrder submits one order. In dry-run mode it is booked locally and
// filled against the simulated position book at its limit price.
func (r *Router) PlaceOrder(ctx context.Context, req order.Request) (order.Response, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return order.Response{}, fmt.Errorf("place order: %w", err)
	}
	if err := r.throttle(ctx); err != nil {
		return order.Response{}, err
	}

	if r.cfg.DryRun {
		return r.placeDryRun(req), nil
	}

	path := "/orders/" + string(req.Variety)
	envelope, err := r.client.Post(ctx, path, req.Form())
	if err != nil {
		metrics.Errors.WithLabelValues("place").Inc()
		return order.Response{}, fmt.Errorf("place order %s %s: %w", req.Side, req.Instrument(), err)
	}

	resp := order.Response{
		OrderID: exchange.String(exchange.Map(exchange.Data(envelope))["order_id"]),
		Status:  exchange.String(envelope["status"]),
	}
	r.recordExecution(req, resp)
	metrics.Orders.WithLabelValues(r.mode(), string(req.Side)).Inc()
	r.log.Infof("Router | placed %s %d %s %s -> %s", req.Side, req.Quantity, req.Instrument(), req.Type, resp.OrderID)
	return resp, nil
}

func (r *Router) placeDryRun(req order.Request) order.Response {
	id := r.newID()

	r.mu.Lock()
	r.dryOrders[id] = &dryOrder{request: req, createdAt: r.now(), status: order.StatusOpen}
	r.dryOrder = append(r.dryOrder, id)
	r.mu.Unlock()

	resp := order.Response{OrderID: id, Status: order.StatusDryRun}
	r.recordExecution(req, resp)
	r.book.Apply(req)

	metrics.Orders.WithLabelValues(r.mode(), string(req.Side)).Inc()
	metrics.SimulatedPositions.Set(float64(r.book.Len()))
	r.log.Infof("Router | dry-run %s %d %s %s -> %s", req.Side, req.Quantity, req.Instrument(), req.Type, id)
	return resp
}

func (r *Router) recordExecution(req order.Request, resp order.Response) {
	r.history.Append(journal.ExecutionRecord{Request: req, Response: resp, Timestamp: r.now()})
}

// ModifyOrder changes the named fields of a resting order.
func (r *Router) ModifyOrder(ctx context.Context, ref order.Ref, updates ...order.Update) (order.Response, error) {
	if err := r.throttle(ctx); err != nil {
		return order.Response{}, err
	}

	if r.cfg.DryRun {
		r.mu.Lock()
		defer r.mu.Unlock()
		rec, ok := r.dryOrders[ref.ID]
		if !ok {
			return order.Response{}, fmt.Errorf("modify %s: %w", ref.ID, ErrNotFound)
		}
		for _, u := range updates {
			u.Apply(&rec.request)
		}
		metrics.Modifies.WithLabelValues(r.mode()).Inc()
		return order.Response{OrderID: ref.ID, Status: order.StatusDryRun}, nil
	}

	path := fmt.Sprintf("/orders/%s/%s", ref.Segment(), ref.ID)
	envelope, err := r.client.Put(ctx, path, order.EncodeUpdates(updates))
	if err != nil {
		metrics.Errors.WithLabelValues("modify").Inc()
		return order.Response{}, fmt.Errorf("modify %s: %w", ref.ID, err)
	}
	metrics.Modifies.WithLabelValues(r.mode()).Inc()
	id := exchange.String(exchange.Map(exchange.Data(envelope))["order_id"])
	if id == "" {
		id = ref.ID
	}
	return order.Response{OrderID: id, Status: exchange.String(envelope["status"])}, nil
}

// CancelOrders cancels each ref in turn, throttling per order. It returns one
// response per ref in input order and keeps going past individual failures;
// a failed cancel carries status "error" and the joined errors are returned
// alongside the responses.
func (r *Router) CancelOrders(ctx context.Context, refs ...order.Ref) ([]order.Response, error) {
	responses := make([]order.Response, 0, len(refs))
	var errs []error

	for _, ref := range refs {
		if err := r.throttle(ctx); err != nil {
			return responses, errors.Join(append(errs, err)...)
		}
		metrics.Cancels.WithLabelValues(r.mode()).Inc()

		if r.cfg.DryRun {
			found := r.removeDryOrder(ref.ID)
			responses = append(responses, order.Response{
				OrderID: ref.ID,
				Status:  order.StatusDryRun,
				Info:    map[string]string{"found": fmt.Sprint(found)},
			})
			continue
		}

		path := fmt.Sprintf("/orders/%s/%s", ref.Segment(), ref.ID)
		envelope, err := r.client.Delete(ctx, path)
		if err != nil {
			metrics.Errors.WithLabelValues("cancel").Inc()
			r.log.Warnf("Router | cancel %s failed: %v", ref.ID, err)
			errs = append(errs, fmt.Errorf("cancel %s: %w", ref.ID, err))
			responses = append(responses, order.Response{
				OrderID: ref.ID,
				Status:  "error",
				Info:    map[string]string{"error": err.Error()},
			})
			continue
		}
		responses = append(responses, order.Response{OrderID: ref.ID, Status: exchange.String(envelope["status"])})
	}
	return responses, errors.Join(errs...)
}

func (r *Router) removeDryOrder(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.dryOrders[id]
	if !ok {
		return false
	}
	rec.status = order.StatusCancelled
	delete(r.dryOrders, id)
	for i, v := range r.dryOrder {
		if v == id {
			r.dryOrder = append(r.dryOrder[:i], r.dryOrder[i+1:]...)
			break
		}
	}
	return true
}

// ClosePosition flattens pos with a MARKET order. side overrides the
// computed flattening side when non-nil.
func (r *Router) ClosePosition(ctx context.Context, pos position.Position, side *order.Side) (order.Response, error) {
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	if qty == 0 {
		return order.Response{}, fmt.Errorf("close %s: %w", pos.Instrument(), ErrAlreadyFlat)
	}

	direction := pos.Side().Opposite()
	if side != nil {
		direction = *side
	}

	req := order.Request{
		Symbol:           pos.Symbol,
		Exchange:         pos.Exchange,
		Side:             direction,
		Quantity:         qty,
		Type:             order.Market,
		Product:          pos.Product,
		MarketProtection: order.Float(r.cfg.MarketProtection),
	}
	if r.cfg.Autoslice {
		req.Autoslice = order.Bool(true)
	}
	return r.PlaceOrder(ctx, req)
}

// SimulatedPositions projects the dry-run position book.
func (r *Router) SimulatedPositions() []position.Position {
	return r.book.Positions()
}
