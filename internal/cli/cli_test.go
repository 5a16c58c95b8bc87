package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirphl/order-router/internal/config"
	"github.com/amirphl/order-router/internal/db"
	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/notifier"
	"github.com/amirphl/order-router/internal/order"
	"github.com/amirphl/order-router/internal/router"
	"github.com/amirphl/order-router/internal/ticker"
	"github.com/amirphl/order-router/internal/utils"
)

func init() {
	utils.SetLogger(zap.NewNop().Sugar())
}

var epoch = time.Date(2024, 6, 21, 9, 15, 0, 0, time.UTC)

// stepClock returns a clock that advances one second per reading.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := epoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type harness struct {
	t   *testing.T
	d   *Dispatcher
	s   *Session
	idx *db.MemoryIndex
	out *bytes.Buffer
}

func newHarness(t *testing.T, dryRun bool, client exchange.Client, n notifier.Notifier) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.DryRun = dryRun
	cfg.Index = config.Index{Driver: config.IndexMemory}
	if n == nil {
		n = notifier.Noop{}
	}

	var ids int
	idx := db.NewMemory()
	s, err := NewSession(context.Background(), cfg, Deps{
		Client:   client,
		Index:    idx,
		Notifier: n,
		RouterOptions: []router.Option{
			router.WithClock(stepClock()),
			router.WithSleeper(func(context.Context, time.Duration) error { return nil }),
			router.WithIDGenerator(func() string {
				ids++
				return fmt.Sprintf("DRY-%012d", ids)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	out := &bytes.Buffer{}
	d := NewDispatcher(s, out, WithNow(stepClock()), WithGroupIDs(func() string { return "abcd1234" }))
	return &harness{t: t, d: d, s: s, idx: idx, out: out}
}

// run executes a command line and returns what it printed.
func (h *harness) run(line string) (string, error) {
	h.t.Helper()
	tokens, err := Split(line)
	require.NoError(h.t, err)
	h.out.Reset()
	err = h.d.Execute(context.Background(), tokens)
	return h.out.String(), err
}

func (h *harness) mustRun(line string) string {
	h.t.Helper()
	out, err := h.run(line)
	require.NoError(h.t, err, line)
	return out
}

func (h *harness) openIDs() []string {
	h.t.Helper()
	open, err := h.s.Router.ListOpenOrders(context.Background())
	require.NoError(h.t, err)
	ids := make([]string, len(open))
	for i, o := range open {
		ids[i] = o.OrderID
	}
	return ids
}

func (h *harness) meta(id string) (db.Metadata, bool) {
	got, err := h.idx.BulkFetch(context.Background(), []string{id})
	require.NoError(h.t, err)
	m, ok := got[id]
	return m, ok
}

func TestBuyRecordsMetadata(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	out := h.mustRun("buy INFY 10 @1500")
	assert.Contains(t, out, "SIM BUY 10 INFY @₹1500.00 -> order_id=DRY-000000000001")
	assert.Contains(t, out, "status=dry-run")

	m, ok := h.meta("DRY-000000000001")
	require.True(t, ok)
	assert.Equal(t, "entry", m.Role)
	assert.Equal(t, "INFY", m.Symbol)
	assert.False(t, m.Protected)

	positions := h.s.Router.SimulatedPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Quantity)
	assert.Equal(t, "NSE", positions[0].Exchange)
	assert.Equal(t, order.MIS, positions[0].Product)
}

func TestSellMarketWithPrefixAndFlags(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	out := h.mustRun("z sell INFY 5 mkt --product cnc --strategy s1 --group g1 --protect")
	assert.Contains(t, out, "SIM SELL 5 INFY @market")

	m, ok := h.meta("DRY-000000000001")
	require.True(t, ok)
	assert.Equal(t, "s1", m.StrategyID)
	assert.Equal(t, "g1", m.Group)
	assert.True(t, m.Protected)
	assert.Equal(t, order.CNC, h.s.Router.SimulatedPositions()[0].Product)
}

func TestStopLoss(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	out := h.mustRun("sl INFY 10 1490")
	assert.Contains(t, out, "SIM SELL 10 INFY @market trigger=₹1490.00")
	m, _ := h.meta("DRY-000000000001")
	assert.Equal(t, "stop_loss", m.Role)
	assert.True(t, m.Protected)

	out = h.mustRun("sl INFY 10 1490 1489.5 --side buy")
	assert.Contains(t, out, "SIM BUY 10 INFY @₹1489.50 trigger=₹1490.00")

	records, err := h.s.Router.RecentHistory(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, order.StopLossM, records[0].Request.Type)
	assert.Equal(t, order.StopLoss, records[1].Request.Type)
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	for line, want := range map[string]string{
		"frobnicate":           "Unknown command: frobnicate",
		"buy INFY":             "Usage: buy SYMBOL QTY",
		"buy INFY ten":         "Invalid quantity; expected integer",
		"buy INFY 0":           "quantity must be >= 1",
		"buy INFY 1 @abc":      "Invalid price token",
		"sl INFY 1":            "Usage: sl",
		"sl INFY 1 x":          "Invalid trigger",
		"scale INFY 1 100 90":  "Usage: scale",
		"chase INFY 1 100 0 1": "max_moves must be >= 1",
		"close":                "Usage: close",
		"close INFY":           "No open position for INFY",
		"cancel":               "Usage: cancel",
		"history 0":            "count must be >= 1",
		"buy INFY 1 --bogus":   "unknown flag",
	} {
		_, err := h.run(line)
		require.Error(t, err, line)
		assert.True(t, IsUsage(err), line)
		assert.Contains(t, err.Error(), want, line)
	}
}

func TestEmptyAndQuit(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	_, err := h.run("z")
	assert.NoError(t, err)
	_, err = h.run("quit")
	assert.ErrorIs(t, err, ErrQuit)
}

func TestClose(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	h.mustRun("buy INFY 10 @1500")
	h.mustRun("sell SBIN 3 @800 --exchange bse")

	out := h.mustRun("close INFY")
	assert.Contains(t, out, "SIM SELL 10 INFY @market [close]")

	out = h.mustRun("close bse:sbin")
	assert.Contains(t, out, "SIM BUY 3 SBIN @market [close]")

	assert.Empty(t, h.s.Router.SimulatedPositions())
}

func TestCloseAmbiguousSymbol(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	h.mustRun("buy INFY 1 @10")
	h.mustRun("buy INFY 1 @10 --exchange BSE")

	_, err := h.run("close INFY")
	assert.ErrorContains(t, err, "No open position")
	h.mustRun("close NSE:INFY")
}

func TestScale(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	out := h.mustRun("scale INFY 2 100 104 3")
	assert.Contains(t, out, "SIM SCALE BUY 2 INFY between 100-104 (3 legs) -> order_ids=[DRY-000000000001, DRY-000000000002, DRY-000000000003]")
	assert.Contains(t, out, "status=dry-run")

	for _, id := range h.openIDs() {
		m, ok := h.meta(id)
		require.True(t, ok)
		assert.Equal(t, "ladder:INFY:abcd1234", m.Group)
	}

	records, err := h.s.Router.RecentHistory(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 102.0, *records[1].Request.Price)
}

func TestChaseDryRun(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	out := h.mustRun("chase INFY 1 100 5 0.1")
	assert.Contains(t, out, "SIM BUY 1 INFY @₹100.00 [chase max_moves=5 tick=0.1] -> order_id=DRY-000000000001")
}

func TestSwarm(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	out := h.mustRun("swarm INFY 1 3 @99 --side sell")
	assert.Contains(t, out, "SIM SWARM SELL 1 INFY @₹99.00 x3 -> order_ids=[DRY-000000000001, DRY-000000000002, DRY-000000000003]")
	assert.Len(t, h.openIDs(), 3)
	assert.Equal(t, -3, h.s.Router.SimulatedPositions()[0].Quantity)
}

// seed places an entry on INFY, a protected stop on INFY and a tagged
// target on SBIN, in that order.
func seed(h *harness) {
	h.mustRun("buy INFY 10 @1500")
	h.mustRun("sl INFY 10 1490")
	h.mustRun("sell SBIN 5 @800 --role target --strategy s1")
}

func TestCancelWhere(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	out := h.mustRun(`cancel where "role == 'entry'"`)
	assert.Contains(t, out, "Cancelling 1 orders:")
	assert.Contains(t, out, "- DRY-000000000001 INFY qty=10 role=entry status=OPEN")
	assert.Contains(t, out, "CANCEL -> order_ids=[DRY-000000000001]")
	assert.Equal(t, []string{"DRY-000000000002", "DRY-000000000003"}, h.openIDs())

	_, ok := h.meta("DRY-000000000001")
	assert.False(t, ok, "cancelled orders leave the index")
}

func TestCancelWhere_Protected(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	out := h.mustRun(`cancel where "symbol == 'INFY'"`)
	assert.Contains(t, out, "Skipping 1 protected orders.")
	assert.Contains(t, out, "CANCEL -> order_ids=[DRY-000000000001]")

	_, err := h.run(`cancel where "symbol == 'INFY'" --include-protected`)
	assert.ErrorContains(t, err, "requires --confirm")
	assert.Contains(t, h.openIDs(), "DRY-000000000002")

	out = h.mustRun(`cancel where "symbol == 'INFY'" --include-protected --confirm`)
	assert.Contains(t, out, "CANCEL -> order_ids=[DRY-000000000002]")
	assert.Equal(t, []string{"DRY-000000000003"}, h.openIDs())
}

func TestCancelWhere_NewestFirst(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	out := h.mustRun(`cancel where "age >= 0" --include-protected --confirm`)
	assert.Contains(t, out, "CANCEL -> order_ids=[DRY-000000000003, DRY-000000000002, DRY-000000000001]")
	assert.Empty(t, h.openIDs())
}

func TestCancelWhere_Errors(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	_, err := h.run(`cancel where "price > 10"`)
	assert.ErrorContains(t, err, "Invalid expression")
	_, err = h.run(`cancel where "role > 10"`)
	assert.ErrorContains(t, err, "Invalid expression")
	_, err = h.run("cancel where --confirm")
	assert.ErrorContains(t, err, "Usage: cancel where")

	out := h.mustRun(`cancel where "quantity > 100"`)
	assert.Equal(t, "No matching open orders.\n", out)
	assert.Len(t, h.openIDs(), 3)
}

func TestCancelLadder(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)
	h.mustRun("scale SBIN 1 790 800 2")

	out := h.mustRun("cancel ladder SBIN")
	assert.Contains(t, out, "Cancelling 3 orders:")
	assert.Equal(t, []string{"DRY-000000000001", "DRY-000000000002"}, h.openIDs())
}

func TestCancelNonessential(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	out := h.mustRun("cancel nonessential --strategy s1")
	assert.Contains(t, out, "CANCEL -> order_ids=[DRY-000000000003]")

	out = h.mustRun("cancel nonessential")
	assert.Contains(t, out, "Skipping 1 protected orders.")
	assert.Equal(t, []string{"DRY-000000000002"}, h.openIDs())

	_, err := h.run("cancel nonessential extra")
	assert.ErrorContains(t, err, "Usage: cancel nonessential")
	_, err = h.run("cancel nonessential --strategy")
	assert.ErrorContains(t, err, "--strategy expects an identifier")
}

func TestCancelLatest(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)
	h.mustRun("buy TCS 1 @3000")

	out := h.mustRun("cancel latest sell 5")
	assert.Contains(t, out, "order_ids=[DRY-000000000003, DRY-000000000002]")

	out = h.mustRun("cancel latest")
	assert.Contains(t, out, "order_ids=[DRY-000000000004]")
	assert.Equal(t, []string{"DRY-000000000001"}, h.openIDs())

	_, err := h.run("cancel latest nope")
	assert.ErrorContains(t, err, "Usage: cancel latest")
}

func TestCancelAllAndIDs(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	seed(h)

	out := h.mustRun("cancel DRY-000000000002 DRY-unknown")
	assert.Contains(t, out, "order_ids=[DRY-000000000002, DRY-unknown]")
	assert.Len(t, h.openIDs(), 2)

	out = h.mustRun("cancel all")
	assert.Contains(t, out, "order_ids=[DRY-000000000001, DRY-000000000003]")
	assert.Empty(t, h.openIDs())

	out = h.mustRun("cancel all")
	assert.Equal(t, "No open orders to cancel.\n", out)
}

func TestViews(t *testing.T) {
	h := newHarness(t, true, nil, nil)

	assert.Contains(t, h.mustRun("orders"), "OPEN ORDERS (0)\nNone\n")
	assert.Contains(t, h.mustRun("pos"), "POSITIONS:\nNone\n")
	assert.Contains(t, h.mustRun("history"), "HISTORY (last 10)\nNone\n")
	assert.Contains(t, h.mustRun("holdings"), "SIM HOLDINGS:\nNone\n")

	h.mustRun("buy INFY 10 @1500")
	h.mustRun("sell INFY 4 @1510")

	out := h.mustRun("orders")
	assert.Contains(t, out, "SIM OPEN ORDERS (2)")
	assert.Contains(t, out, "DRY-000000000001:")
	assert.Contains(t, out, "@₹1500.00")

	out = h.mustRun("pos")
	assert.Contains(t, out, "NSE:INFY:")
	assert.Contains(t, out, "+6")
	assert.Contains(t, out, "mark=₹1510.00")
	assert.Contains(t, out, "pnl=₹60.00")
	assert.Contains(t, out, "Unrealized PnL: ₹60.00")
	assert.Contains(t, out, "Day PnL: ₹0.00")

	out = h.mustRun("history 1")
	assert.Contains(t, out, "HISTORY (last 1)")
	assert.Contains(t, out, "DRY-000000000002")
	assert.NotContains(t, out, "DRY-000000000001")

	assert.Contains(t, h.mustRun("help"), "Available commands:")
}

func TestRunREPL(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	in := strings.NewReader("buy INFY 1 @10\n\nbogus\ncancel where \"role == 'x\n  quit\nbuy INFY 1\n")

	require.NoError(t, h.d.Run(context.Background(), in))
	out := h.out.String()
	assert.Contains(t, out, "SIM BUY 1 INFY @₹10.00")
	assert.Contains(t, out, "Error: Unknown command: bogus")
	assert.Contains(t, out, "Parse error: no closing quotation")
	assert.True(t, strings.HasSuffix(out, "Bye.\n"))
	assert.Len(t, h.openIDs(), 1, "nothing runs after quit")
}

func TestRunREPL_EOF(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	require.NoError(t, h.d.Run(context.Background(), strings.NewReader("orders\n")))
	assert.True(t, strings.HasSuffix(h.out.String(), "\nExited.\n"))
}

func TestRunREPL_CancelWhileIdle(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx, pr) }()

	_, err := pw.Write([]byte("buy INFY 1 @10\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.openIDs()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run kept waiting on input after cancellation")
	}
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	assert.Equal(t, 0, h.d.RunOnce(context.Background(), []string{"buy", "INFY", "1"}))
	assert.Equal(t, 1, h.d.RunOnce(context.Background(), []string{"buy"}))
	assert.Contains(t, h.out.String(), "Error: Usage: buy")
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  buy  INFY 10 ", []string{"buy", "INFY", "10"}},
		{`cancel where "role == 'entry'"`, []string{"cancel", "where", "role == 'entry'"}},
		{`a 'b "c" d' e`, []string{"a", `b "c" d`, "e"}},
		{`a "x\"y" z\ w`, []string{"a", `x"y`, "z w"}},
		{`''`, []string{""}},
	}
	for _, tt := range tests {
		got, err := Split(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Split(`"open`)
	assert.ErrorIs(t, err, ErrUnclosedQuote)
	_, err = Split(`trailing\`)
	assert.ErrorIs(t, err, ErrUnclosedQuote)
}

// kiteServer is a fake brokerage for live-mode commands.
type kiteServer struct {
	mu      sync.Mutex
	deleted []string
}

func (k *kiteServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/orders":
		w.Write([]byte(`{"status":"success","data":[
			{"order_id":"L1","status":"OPEN","tradingsymbol":"INFY","exchange":"NSE","transaction_type":"BUY",
			 "quantity":10,"price":1500,"variety":"regular","order_timestamp":"2024-06-21 09:10:00"},
			{"order_id":"L2","status":"TRIGGER PENDING","tradingsymbol":"INFY","exchange":"NSE","transaction_type":"SELL",
			 "quantity":10,"trigger_price":1490,"variety":"co","order_timestamp":"2024-06-21 09:11:00"},
			{"order_id":"L3","status":"COMPLETE","tradingsymbol":"SBIN","exchange":"NSE","transaction_type":"BUY",
			 "quantity":1,"variety":"regular","order_timestamp":"2024-06-21 09:00:00"}]}`))
	case r.Method == http.MethodDelete:
		k.mu.Lock()
		k.deleted = append(k.deleted, r.URL.Path)
		k.mu.Unlock()
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		fmt.Fprintf(w, `{"status":"success","data":{"order_id":%q}}`, id)
	case r.URL.Path == "/portfolio/positions":
		w.Write([]byte(`{"status":"success","data":{
			"net":[{"tradingsymbol":"INFY","exchange":"NSE","product":"MIS","quantity":-5,"average_price":1500,"pnl":-12.5},
			       {"tradingsymbol":"SBIN","exchange":"NSE","product":"CNC","quantity":0,"average_price":800}],
			"day":[]}}`))
	case r.URL.Path == "/portfolio/holdings":
		w.Write([]byte(`{"status":"success","data":[
			{"tradingsymbol":"ITC","exchange":"NSE","quantity":10,"t1_quantity":2,"average_price":420,"last_price":431.5,"pnl":115},
			{"tradingsymbol":"TCS","exchange":"BSE","quantity":1,"average_price":3500,"last_price":3450,"pnl":-50}]}`))
	case r.URL.Path == "/quote/ltp":
		w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{"instrument_token":1,"last_price":1490}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","error_type":"GeneralException","message":"not found"}`))
	}
}

func newLive(t *testing.T) (*harness, *kiteServer) {
	k := &kiteServer{}
	srv := httptest.NewServer(http.HandlerFunc(k.handler))
	t.Cleanup(srv.Close)
	client := exchange.NewKiteClient(exchange.KiteConfig{RootURL: srv.URL})
	return newHarness(t, false, client, nil), k
}

func TestLive_CancelWhereUsesVariety(t *testing.T) {
	h, k := newLive(t)
	require.NoError(t, h.idx.Record(context.Background(), db.Metadata{OrderID: "L2", Role: "stop_loss", Protected: true}))

	out := h.mustRun(`cancel where "symbol == 'INFY'" --include-protected --confirm`)
	assert.Contains(t, out, "LIVE CANCEL -> order_ids=[L2, L1]")
	assert.Contains(t, out, "- L2 INFY qty=10 role=stop_loss status=TRIGGER PENDING")
	assert.Contains(t, out, "- L1 INFY qty=10 role=-- status=OPEN")
	assert.Equal(t, []string{"/orders/co/L2", "/orders/regular/L1"}, k.deleted)
}

func TestLive_PositionsAndClose(t *testing.T) {
	h, _ := newLive(t)

	out := h.mustRun("pos")
	assert.Contains(t, out, "LIVE POSITIONS:")
	assert.Contains(t, out, "NSE:INFY:")
	assert.Contains(t, out, "-5")
	assert.Contains(t, out, "mark=₹1490.00")
	assert.Contains(t, out, "pnl=₹50.00")
	assert.Contains(t, out, "day=-₹12.50")
	assert.NotContains(t, out, "SBIN")

	_, err := h.run("close INFY")
	var httpErr *exchange.HTTPError
	require.ErrorAs(t, err, &httpErr, "order placement hits the 404 route")
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	h.out.Reset()
	assert.Equal(t, 1, h.d.RunOnce(context.Background(), []string{"close", "INFY"}))
	assert.Contains(t, h.out.String(), "HTTP error 404:")
}

func TestLive_Holdings(t *testing.T) {
	h, _ := newLive(t)

	out := h.mustRun("holdings")
	assert.Contains(t, out, "LIVE HOLDINGS:")
	assert.Contains(t, out, "- NSE:ITC:")
	assert.Contains(t, out, "t1=2")
	assert.Contains(t, out, "ltp=₹431.50")
	assert.Contains(t, out, "pnl=-₹50.00")
	assert.Contains(t, out, "Holdings PnL: ₹65.00")
}

func TestSession_FeedPurgesAndNotifies(t *testing.T) {
	rec := &recordingNotifier{}
	h := newHarness(t, false, exchange.NewKiteClient(exchange.KiteConfig{}), rec)
	ctx := context.Background()
	require.NoError(t, h.idx.Record(ctx, db.Metadata{OrderID: "A1", Role: "entry"}))
	require.NoError(t, h.idx.Record(ctx, db.Metadata{OrderID: "A2", Role: "entry"}))

	frame := func(id, status string) []byte {
		raw, _ := json.Marshal(map[string]any{"type": "order", "data": map[string]any{
			"order_id": id, "status": status, "tradingsymbol": "INFY", "transaction_type": "BUY",
		}})
		return raw
	}
	h.s.handleFeed(websocket.TextMessage, frame("A1", "OPEN"))
	h.s.handleFeed(websocket.TextMessage, frame("A2", "COMPLETE"))
	h.s.handleFeed(websocket.BinaryMessage, []byte{0, 1})
	h.s.handleFeed(websocket.TextMessage, []byte(`{"type":"error","data":"x"}`))

	_, ok := h.meta("A1")
	assert.True(t, ok)
	_, ok = h.meta("A2")
	assert.False(t, ok)
	h.s.notifying.Wait()
	assert.Equal(t, []string{"COMPLETE BUY INFY A2"}, rec.messages())
}

func TestSession_FeedDoesNotWaitForNotifier(t *testing.T) {
	n := &blockingNotifier{release: make(chan struct{})}
	h := newHarness(t, false, exchange.NewKiteClient(exchange.KiteConfig{}), n)
	raw, _ := json.Marshal(map[string]any{"type": "order", "data": map[string]any{
		"order_id": "B1", "status": "REJECTED", "tradingsymbol": "SBIN", "transaction_type": "SELL",
	}})

	returned := make(chan struct{})
	go func() {
		h.s.handleFeed(websocket.TextMessage, raw)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("feed handler blocked on the notifier")
	}

	close(n.release)
	require.NoError(t, h.s.Close())
	assert.Equal(t, []string{"REJECTED SELL SBIN B1"}, n.messages())
}

func TestSession_CloseKeepsSharedTicker(t *testing.T) {
	tk := ticker.NewService(ticker.Config{})
	cfg := config.Defaults()
	cfg.Index = config.Index{Driver: config.IndexMemory}
	s, err := NewSession(context.Background(), cfg, Deps{
		Client: exchange.NewKiteClient(exchange.KiteConfig{}),
		Ticker: tk,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.NoError(t, tk.Subscribe(context.Background(), "other", func(int, []byte) {}))
	tk.Close()
}

func TestSession_BootstrapSkipsWithoutCredentials(t *testing.T) {
	h := newHarness(t, false, exchange.NewKiteClient(exchange.KiteConfig{}), nil)
	require.NoError(t, h.s.Bootstrap(context.Background()))
	assert.False(t, h.s.Ticker.Connected())
}

func TestOpenIndex(t *testing.T) {
	idx, err := OpenIndex(context.Background(), config.Index{Driver: config.IndexMemory})
	require.NoError(t, err)
	assert.IsType(t, &db.MemoryIndex{}, idx)

	dsn := t.TempDir() + "/nested/state.db"
	idx, err = OpenIndex(context.Background(), config.Index{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Record(context.Background(), db.Metadata{OrderID: "X"}))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) Send(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) SendWithRetry(ctx context.Context, msg string) error {
	return r.Send(ctx, msg)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// blockingNotifier holds every retrying send until release is closed.
type blockingNotifier struct {
	recordingNotifier
	release chan struct{}
}

func (b *blockingNotifier) SendWithRetry(ctx context.Context, msg string) error {
	<-b.release
	return b.Send(ctx, msg)
}
