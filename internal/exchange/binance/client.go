// Package binance talks to the Binance spot REST API and its trade stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scalper/internal/exchange"
)

const DefaultBaseURL = "https://api.binance.com"

// Codes that describe a deterministic refusal rather than a passing fault.
var rejectionCodes = map[int]bool{
	-1013: true, // filter failure (LOT_SIZE, NOTIONAL, ...)
	-1100: true,
	-1101: true,
	-1102: true,
	-1103: true,
	-1104: true,
	-1105: true,
	-1106: true,
	-1111: true, // precision over the maximum defined for this asset
	-1121: true, // invalid symbol
	-2010: true, // new order rejected, e.g. insufficient balance or a duplicate client order id
	-2013: true, // order does not exist
	-2015: true, // invalid api key, ip or permissions
}

type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow time.Duration
	Timeout    time.Duration
	// Stream, when set, is consulted before the REST ticker for the last price.
	Stream       *PriceStream
	StreamMaxAge time.Duration
}

type Client struct {
	apiKey       string
	apiSecret    string
	baseURL      string
	recvWindow   int64
	hc           *http.Client
	stream       *PriceStream
	streamMaxAge time.Duration
	now          func() time.Time
}

func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAge := opts.StreamMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &Client{
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		baseURL:      base,
		recvWindow:   opts.RecvWindow.Milliseconds(),
		hc:           &http.Client{Timeout: timeout},
		stream:       opts.Stream,
		streamMaxAge: maxAge,
		now:          time.Now,
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) signParams(q url.Values) {
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	}
	q.Set("signature", c.sign(q))
}

func (c *Client) get(ctx context.Context, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	if signed {
		c.signParams(q)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	c.signParams(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(q.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, exchange.Transient(fmt.Errorf("binance %s %s: %w", req.Method, path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exchange.Transient(fmt.Errorf("binance %s %s: read body: %w", req.Method, path, err))
	}
	if resp.StatusCode/100 != 2 {
		apiErr := parseAPIError(resp.StatusCode, body)
		slog.Warn("binance request failed", "method", req.Method, "path", path, "status", resp.StatusCode, "code", apiErr.Code, "msg", apiErr.Message)
		return nil, apiErr
	}
	return body, nil
}

func parseAPIError(statusCode int, body []byte) *exchange.APIError {
	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	apiErr := &exchange.APIError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Code != 0 || parsed.Msg != "") {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Msg
	}
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusTeapot, statusCode >= 500:
		apiErr.Rejected = false
	default:
		apiErr.Rejected = rejectionCodes[apiErr.Code]
	}
	return apiErr
}
