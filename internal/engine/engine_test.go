package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/ledger"
	"scalper/internal/md"
	"scalper/internal/retry"
	"scalper/internal/risk"
	"scalper/internal/strategy"

	"github.com/shopspring/decimal"
)

type fakeExchange struct {
	mu       sync.Mutex
	closes   []float64
	barsErr  error
	price    decimal.Decimal
	balances map[string]decimal.Decimal
	cons     exchange.Constraints
	// submit overrides the default fill-at-price behaviour when set.
	submit   func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error)
	requests []exchange.OrderRequest
}

func newFakeExchange(closes []float64, quote string) *fakeExchange {
	return &fakeExchange{
		closes: closes,
		price:  decimal.NewFromInt(100),
		balances: map[string]decimal.Decimal{
			"BTC":  decimal.Zero,
			"USDC": decimal.RequireFromString(quote),
		},
		cons: exchange.Constraints{
			Pair:              "BTCUSDC",
			BaseAsset:         "BTC",
			QuoteAsset:        "USDC",
			MinNotional:       decimal.NewFromInt(10),
			MinQuantity:       decimal.RequireFromString("0.001"),
			StepSize:          decimal.RequireFromString("0.001"),
			QuantityPrecision: 3,
		},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) RecentBars(ctx context.Context, pair, interval string, count int) ([]md.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	bars := make([]md.Bar, len(f.closes))
	for i, c := range f.closes {
		bars[i] = md.Bar{Close: c, Timestamp: time.Unix(int64(i*60), 0)}
	}
	return bars, nil
}

func (f *fakeExchange) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) TradingConstraints(ctx context.Context, pair string) (exchange.Constraints, error) {
	return f.cons, nil
}

func (f *fakeExchange) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

func (f *fakeExchange) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) ([]exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.submit != nil {
		return f.submit(len(f.requests)-1, req)
	}
	qty := decimal.RequireFromString(req.Quantity)
	notional := qty.Mul(f.price)
	if req.Side == exchange.Buy {
		f.balances["USDC"] = f.balances["USDC"].Sub(notional)
		f.balances["BTC"] = f.balances["BTC"].Add(qty)
	} else {
		f.balances["BTC"] = f.balances["BTC"].Sub(qty)
		f.balances["USDC"] = f.balances["USDC"].Add(notional)
	}
	return []exchange.Fill{{Price: f.price, Quantity: qty}}, nil
}

func (f *fakeExchange) submissions() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.requests...)
}

type memStore struct {
	mu        sync.Mutex
	trades    []ledger.Trade
	appendErr error
}

func (m *memStore) Load(ctx context.Context) ([]ledger.Trade, error) { return nil, nil }

func (m *memStore) Append(ctx context.Context, t ledger.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.trades = append(m.trades, t)
	return nil
}

func noSleep(delays *[]time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.Exponential(time.Second),
		Sleep: func(ctx context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		},
	}
}

func newTestEngine(t *testing.T, ex *fakeExchange, store ledger.Store, decisions *DecisionLogger) (*Engine, *ledger.Ledger) {
	t.Helper()
	book := ledger.Open(context.Background(), store)
	e := New(Config{Pair: "BTCUSDC", Interval: "1m", Bars: 100, Fast: 2, Slow: 3, SignalPeriod: 2}, Deps{
		Exchange:  ex,
		Ledger:    book,
		Policy:    noSleep(nil),
		Decisions: decisions,
	})
	return e, book
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 10 + float64(i)
	}
	return out
}

func TestExecutorRetriesTransientThenFills(t *testing.T) {
	ex := newFakeExchange(nil, "1000")
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		if attempt < 2 {
			return nil, exchange.Transient(errors.New("read: connection reset"))
		}
		return []exchange.Fill{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}}, nil
	}
	store := &memStore{}
	book := ledger.Open(context.Background(), store)
	var delays []time.Duration
	x := NewExecutor(ex, book, noSleep(&delays), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Quantity: decimal.NewFromInt(1), Text: "1"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.Quantity.Equal(decimal.NewFromInt(1)) || !res.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 1 @ 100, got %s @ %s", res.Quantity, res.Price)
	}
	reqs := ex.submissions()
	if res.Attempts != 3 || len(reqs) != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d requests)", res.Attempts, len(reqs))
	}
	if reqs[0].ClientOrderID == "" || reqs[0].ClientOrderID != reqs[2].ClientOrderID {
		t.Fatalf("expected one client order id reused across retries, got %v", reqs)
	}
	if book.Len() != 1 || len(store.trades) != 1 {
		t.Fatalf("expected exactly one ledger trade, got %d", book.Len())
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected backoff [1s 2s], got %v", delays)
	}
}

func TestExecutorDoesNotRetryRejection(t *testing.T) {
	ex := newFakeExchange(nil, "1000")
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		return nil, &exchange.APIError{StatusCode: 400, Code: -2010, Message: "Account has insufficient balance", Rejected: true}
	}
	book := ledger.Open(context.Background(), &memStore{})
	x := NewExecutor(ex, book, noSleep(nil), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "1"})
	if !errors.Is(err, ErrExecutionFailed) || !errors.Is(err, exchange.ErrOrderRejected) {
		t.Fatalf("expected rejected execution failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Account has insufficient balance") {
		t.Fatalf("expected exchange message verbatim, got %v", err)
	}
	if res.Attempts != 1 || book.Len() != 0 {
		t.Fatalf("expected 1 attempt and no ledger write, got attempts=%d trades=%d", res.Attempts, book.Len())
	}
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	ex := newFakeExchange(nil, "1000")
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		return nil, &exchange.APIError{StatusCode: 503, Message: "service unavailable"}
	}
	book := ledger.Open(context.Background(), &memStore{})
	x := NewExecutor(ex, book, noSleep(nil), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Sell, Text: "1"})
	if !errors.Is(err, ErrExecutionFailed) || res.Attempts != 3 || book.Len() != 0 {
		t.Fatalf("expected failure after 3 attempts without ledger write, got attempts=%d err=%v", res.Attempts, err)
	}
}

func TestExecutorZeroFillFails(t *testing.T) {
	ex := newFakeExchange(nil, "1000")
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		return nil, nil
	}
	book := ledger.Open(context.Background(), &memStore{})
	x := NewExecutor(ex, book, noSleep(nil), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "1"})
	if !errors.Is(err, ErrExecutionFailed) || res.Attempts != 1 || book.Len() != 0 {
		t.Fatalf("expected zero-fill failure without retry, got attempts=%d err=%v", res.Attempts, err)
	}
}

func TestExecutorPersistenceFailureStillReportsFill(t *testing.T) {
	ex := newFakeExchange(nil, "1000")
	book := ledger.Open(context.Background(), &memStore{appendErr: errors.New("disk full")})
	x := NewExecutor(ex, book, noSleep(nil), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "0.5"})
	if err != nil {
		t.Fatalf("expected fill despite persistence failure, got %v", err)
	}
	if !errors.Is(res.PersistErr, ErrPersistence) {
		t.Fatalf("expected persistence warning, got %v", res.PersistErr)
	}
	if !book.Holding() {
		t.Fatalf("expected in-memory ledger to reflect the fill")
	}
}

// lookupExchange remembers which client order ids filled on the venue even
// when the submit response never arrived.
type lookupExchange struct {
	*fakeExchange
	placed  map[string][]exchange.Fill
	lookups int
}

func (l *lookupExchange) LookupOrder(ctx context.Context, pair, clientOrderID string) ([]exchange.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	fills, ok := l.placed[clientOrderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	return fills, nil
}

func TestExecutorSettlesDuplicateAfterLostResponse(t *testing.T) {
	ex := &lookupExchange{fakeExchange: newFakeExchange(nil, "1000"), placed: map[string][]exchange.Fill{}}
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		if attempt == 0 {
			ex.placed[req.ClientOrderID] = []exchange.Fill{{Price: decimal.NewFromInt(95000), Quantity: decimal.RequireFromString("0.0005")}}
			return nil, &exchange.APIError{StatusCode: 503, Message: "Service Unavailable"}
		}
		return nil, &exchange.APIError{StatusCode: 400, Code: -2010, Message: "Duplicate order sent.", Rejected: true}
	}
	store := &memStore{}
	book := ledger.Open(context.Background(), store)
	x := NewExecutor(ex, book, noSleep(nil), nil)

	res, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "0.0005"})
	if err != nil {
		t.Fatalf("expected settled fill, got %v", err)
	}
	if res.Attempts != 2 || !res.Quantity.Equal(decimal.RequireFromString("0.0005")) || !res.Price.Equal(decimal.NewFromInt(95000)) {
		t.Fatalf("unexpected result %+v", res)
	}
	if book.Len() != 1 || !book.Holding() || len(store.trades) != 1 {
		t.Fatalf("expected one BUY in the ledger, got %d holding=%v", book.Len(), book.Holding())
	}
	if store.trades[0].ID != res.ClientOrderID {
		t.Fatalf("expected trade id %s, got %s", res.ClientOrderID, store.trades[0].ID)
	}
}

func TestExecutorLookupMissLeavesFailure(t *testing.T) {
	ex := &lookupExchange{fakeExchange: newFakeExchange(nil, "1000"), placed: map[string][]exchange.Fill{}}
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		return nil, &exchange.APIError{StatusCode: 503, Message: "Service Unavailable"}
	}
	book := ledger.Open(context.Background(), &memStore{})
	x := NewExecutor(ex, book, noSleep(nil), nil)

	_, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "1"})
	if !errors.Is(err, ErrExecutionFailed) || book.Len() != 0 {
		t.Fatalf("expected failure without ledger write, got err=%v trades=%d", err, book.Len())
	}
	if ex.lookups != 1 {
		t.Fatalf("expected one lookup for an unknown order, got %d", ex.lookups)
	}
}

func TestExecutorFirstRejectionSkipsLookup(t *testing.T) {
	ex := &lookupExchange{fakeExchange: newFakeExchange(nil, "1000"), placed: map[string][]exchange.Fill{}}
	ex.submit = func(attempt int, req exchange.OrderRequest) ([]exchange.Fill, error) {
		return nil, &exchange.APIError{StatusCode: 400, Code: -1013, Message: "Filter failure: LOT_SIZE", Rejected: true}
	}
	x := NewExecutor(ex, ledger.Open(context.Background(), &memStore{}), noSleep(nil), nil)

	if _, err := x.Execute(context.Background(), "BTCUSDC", risk.Order{Side: exchange.Buy, Text: "1"}); !errors.Is(err, exchange.ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if ex.lookups != 0 {
		t.Fatalf("expected no lookup after a first-attempt rejection, got %d", ex.lookups)
	}
}

func TestReconcileAveragesFills(t *testing.T) {
	qty, avg := Reconcile([]exchange.Fill{
		{Price: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("0.3")},
		{Price: decimal.NewFromInt(110), Quantity: decimal.RequireFromString("0.7")},
	})
	if !qty.Equal(decimal.NewFromInt(1)) || !avg.Equal(decimal.NewFromInt(107)) {
		t.Fatalf("expected 1 @ 107, got %s @ %s", qty, avg)
	}
	if q, a := Reconcile(nil); !q.IsZero() || !a.IsZero() {
		t.Fatalf("expected zeros for no fills, got %s @ %s", q, a)
	}
}

func TestCheckAndTradeHoldsOnFlatPrices(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 50000
	}
	ex := newFakeExchange(closes, "1000")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)

	report := e.CheckAndTrade(context.Background())
	if report.Signal.Action != strategy.Hold || report.Execution != nil {
		t.Fatalf("expected HOLD without execution, got %s", report.Signal.Action)
	}
	if len(ex.submissions()) != 0 {
		t.Fatalf("expected no orders")
	}
}

func TestCheckAndTradeRejectsInsufficientQuote(t *testing.T) {
	ex := newFakeExchange(rising(7), "5")
	e, book := newTestEngine(t, ex, &memStore{}, nil)

	report := e.CheckAndTrade(context.Background())
	if report.Signal.Action != strategy.Buy {
		t.Fatalf("expected BUY signal, got %s", report.Signal.Action)
	}
	if report.Execution == nil || report.Execution.Rejected == nil {
		t.Fatalf("expected constraint rejection, got %+v", report.Execution)
	}
	if !errors.Is(report.Execution.Err, risk.ErrConstraintRejected) {
		t.Fatalf("expected ErrConstraintRejected, got %v", report.Execution.Err)
	}
	if len(ex.submissions()) != 0 || book.Len() != 0 {
		t.Fatalf("expected no order and no ledger write")
	}
}

func TestCheckAndTradeBuysOnceThenHolds(t *testing.T) {
	ex := newFakeExchange(rising(7), "100")
	e, book := newTestEngine(t, ex, &memStore{}, nil)

	first := e.CheckAndTrade(context.Background())
	if first.Execution == nil || first.Execution.Result == nil {
		t.Fatalf("expected filled BUY, got %+v", first.Execution)
	}
	if !first.Execution.Result.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1 BTC bought with 100 USDC at 100, got %s", first.Execution.Result.Quantity)
	}
	if !book.Holding() {
		t.Fatalf("expected ledger holding after BUY")
	}

	second := e.CheckAndTrade(context.Background())
	if second.Signal.Action != strategy.Hold || second.Signal.Reason != "already_in_position" {
		t.Fatalf("expected HOLD already_in_position, got %s %s", second.Signal.Action, second.Signal.Reason)
	}
	if len(ex.submissions()) != 1 {
		t.Fatalf("expected a single order, got %d", len(ex.submissions()))
	}
}

func TestSignalHoldsOnMarketDataFailure(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	ex.barsErr = errors.New("klines timeout")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)

	sig := e.Signal(context.Background())
	if sig.Action != strategy.Hold || sig.Err == nil {
		t.Fatalf("expected HOLD with error, got %s err=%v", sig.Action, sig.Err)
	}
}

func TestSignalHoldsOnInsufficientData(t *testing.T) {
	ex := newFakeExchange([]float64{1, 2}, "100")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)

	sig := e.Signal(context.Background())
	if sig.Action != strategy.Hold || !errors.Is(sig.Err, ErrInsufficientData) || sig.HasHistogram {
		t.Fatalf("expected insufficient data HOLD, got %s err=%v", sig.Action, sig.Err)
	}
}

func TestConcurrentManualBuysSerialise(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	e, book := newTestEngine(t, ex, &memStore{}, nil)

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = e.Trade(context.Background(), exchange.Buy)
		}(i)
	}
	wg.Wait()

	filled, rejected := 0, 0
	for _, r := range reports {
		switch {
		case r.Execution.Result != nil:
			filled++
		case r.Execution.Rejected != nil:
			rejected++
		}
	}
	if filled != 1 || rejected != 1 || book.Len() != 1 {
		t.Fatalf("expected one fill and one rejection, got filled=%d rejected=%d trades=%d", filled, rejected, book.Len())
	}
}

func TestManualSellWithoutPositionIsRejected(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)

	report := e.Trade(context.Background(), exchange.Sell)
	if report.Execution.Rejected == nil {
		t.Fatalf("expected rejection, got %+v", report.Execution)
	}
	if !strings.Contains(report.Text(), "Not placed") {
		t.Fatalf("unexpected report text %q", report.Text())
	}
}

func TestDecisionJournalRecordsCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	logger, err := NewDecisionLogger(path, "run-1")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	ex := newFakeExchange(rising(7), "100")
	e, _ := newTestEngine(t, ex, &memStore{}, logger)
	e.CheckAndTrade(context.Background())
	if err := logger.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []Decision
	for scanner.Scan() {
		var d Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, d)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 journal line, got %d", len(lines))
	}
	d := lines[0]
	if d.RunID != "run-1" || d.Intent != strategy.Buy || d.Result != "filled" || d.Histogram == nil || d.ClientOrderID == "" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestReportText(t *testing.T) {
	ex := newFakeExchange(rising(7), "100")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)
	text := e.CheckAndTrade(context.Background()).Text()

	for _, want := range []string{"MACD check BTCUSDC", "Price: 16.00", "Histogram: 0.0115", "Decision: BUY", "Bought 1.00000000 at 100.00 (1 attempt)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in report:\n%s", want, text)
		}
	}
}

func TestReconcileFlagsDivergence(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	ex.balances["BTC"] = decimal.NewFromInt(2)
	e, _ := newTestEngine(t, ex, &memStore{}, nil)

	e.reconcileOnce(context.Background())
	snap := e.State().Snapshot()
	if !snap.PositionMismatch || snap.ExchangeBase != "2" {
		t.Fatalf("expected mismatch with exchange base 2, got %+v", snap)
	}
}

func TestStatisticsNewestFirst(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	e, _ := newTestEngine(t, ex, &memStore{}, nil)
	e.Trade(context.Background(), exchange.Buy)
	ex.mu.Lock()
	ex.price = decimal.NewFromInt(110)
	ex.mu.Unlock()
	e.Trade(context.Background(), exchange.Sell)

	stats := e.Statistics(10)
	if len(stats) != 2 || stats[0].Side != exchange.Sell || !stats[0].HasPnL || !stats[0].PnL.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if text := FormatStatistics(stats, "BTC", "USDC"); !strings.Contains(text, "P&L +10.00") {
		t.Fatalf("expected P&L in statistics text:\n%s", text)
	}
}

func TestFormatStatusShowsAutotradeAndMismatch(t *testing.T) {
	ex := newFakeExchange(nil, "100")
	ex.balances["BTC"] = decimal.NewFromInt(2)
	e, _ := newTestEngine(t, ex, &memStore{}, nil)
	e.State().SetAutotrade(true)
	e.reconcileOnce(context.Background())

	text := FormatStatus(e.State().Snapshot())
	for _, want := range []string{"Status BTCUSDC", "Position: HOLD_FLAT", "Autotrade: on", "exchange holds 2 base"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in status:\n%s", want, text)
		}
	}

	base, quote, err := e.Assets(context.Background())
	if err != nil || base != "BTC" || quote != "USDC" {
		t.Fatalf("expected BTC/USDC, got %s/%s (%v)", base, quote, err)
	}
}
