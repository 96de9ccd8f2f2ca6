// Package metrics holds the Prometheus collectors the bot updates:
//
//	bot_signals_total{action}          evaluated signals (BUY|SELL|HOLD)
//	bot_orders_total{side,result}      executions (filled|rejected|failed)
//	bot_order_attempts_total{side}     order submissions, retries included
//	bot_ledger_write_failures_total    trades that could not be persisted
//	bot_autotrade_enabled              1 while the autotrade job is installed
//	bot_macd_histogram                 last histogram value
//	bot_stream_price                   last trade price from the price stream
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	signals       *prometheus.CounterVec
	orders        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	ledgerFailure prometheus.Counter
	autotrade     prometheus.Gauge
	histogram     prometheus.Gauge
	streamPrice   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_signals_total",
				Help: "Signals evaluated",
			},
			[]string{"action"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_total",
				Help: "Order executions by outcome",
			},
			[]string{"side", "result"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_order_attempts_total",
				Help: "Order submission attempts, retries included",
			},
			[]string{"side"},
		),
		ledgerFailure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_ledger_write_failures_total",
				Help: "Executed trades that failed to persist",
			},
		),
		autotrade: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_autotrade_enabled",
				Help: "1 while autotrade is enabled",
			},
		),
		histogram: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_macd_histogram",
				Help: "Last MACD histogram value",
			},
		),
		streamPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_stream_price",
				Help: "Last trade price received on the price stream",
			},
		),
	}
	reg.MustRegister(m.signals, m.orders, m.attempts, m.ledgerFailure, m.autotrade, m.histogram, m.streamPrice)
	return m
}

func (m *Metrics) Signal(action string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(action).Inc()
}

func (m *Metrics) Order(side, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, result).Inc()
}

func (m *Metrics) Attempt(side string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(side).Inc()
}

func (m *Metrics) LedgerWriteFailure() {
	if m == nil {
		return
	}
	m.ledgerFailure.Inc()
}

func (m *Metrics) SetAutotrade(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.autotrade.Set(1)
	} else {
		m.autotrade.Set(0)
	}
}

func (m *Metrics) SetHistogram(v float64) {
	if m == nil {
		return
	}
	m.histogram.Set(v)
}

func (m *Metrics) SetStreamPrice(v float64) {
	if m == nil {
		return
	}
	m.streamPrice.Set(v)
}

// Handler serves /metrics for gatherer and a plain /healthz.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
