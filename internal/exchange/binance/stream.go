package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"scalper/internal/md"

	"github.com/gorilla/websocket"
)

const DefaultStreamURL = "wss://stream.binance.com:9443/ws"

const (
	streamMinRetry = 2 * time.Second
	streamMaxRetry = time.Minute
)

// PriceStream keeps the most recent aggregate trade prices of one pair in a
// ring buffer. Run blocks until ctx is cancelled, reconnecting on failure.
type PriceStream struct {
	pair    string
	url     string
	buffer  *md.RingBuffer
	dialer  *websocket.Dialer
	onPrice func(float64)
}

func NewPriceStream(baseURL, pair string, size int) *PriceStream {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultStreamURL
	}
	return &PriceStream{
		pair:   strings.ToUpper(pair),
		url:    fmt.Sprintf("%s/%s@aggTrade", base, strings.ToLower(pair)),
		buffer: md.NewRingBuffer(size),
		dialer: websocket.DefaultDialer,
	}
}

func (s *PriceStream) Pair() string { return s.pair }

// OnPrice registers a callback invoked for every received trade price. Set it
// before Run.
func (s *PriceStream) OnPrice(fn func(float64)) { s.onPrice = fn }

func (s *PriceStream) Last() (float64, time.Time, error) { return s.buffer.Last() }

func (s *PriceStream) Run(ctx context.Context) {
	retry := streamMinRetry
	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("price stream disconnected", "pair", s.pair, "error", err, "retry_in", retry)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
		retry = min(retry*2, streamMaxRetry)
	}
}

type aggTrade struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func (s *PriceStream) runConnection(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	slog.Info("price stream connected", "pair", s.pair)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *PriceStream) handleMessage(data []byte) {
	var trade aggTrade
	if err := json.Unmarshal(data, &trade); err != nil {
		slog.Debug("price stream: skip message", "error", err)
		return
	}
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	at := time.Now()
	if trade.TradeTime > 0 {
		at = time.UnixMilli(trade.TradeTime)
	}
	s.buffer.Add(price, at)
	if s.onPrice != nil {
		s.onPrice(price)
	}
}
