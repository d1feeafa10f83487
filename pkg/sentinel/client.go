// Package sentinel is a Go client for the agent's status API.
package sentinel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Health is the agent's lifecycle state.
type Health struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	LastEvent     time.Time `json:"last_event"`
	Events        int64     `json:"events"`
	OpenOrders    int       `json:"open_orders"`
	Halted        bool      `json:"halted"`
}

// Position is a ledger position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Order is the agent's record of one order.
type Order struct {
	Key            string          `json:"key"`
	BrokerID       string          `json:"broker_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	TimeInForce    string          `json:"time_in_force"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason"`
	Strategy       string          `json:"strategy"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transition is one recorded lifecycle step of an order.
type Transition struct {
	Seq    int64     `json:"seq"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// OrderDetail is an order with its transition history.
type OrderDetail struct {
	Order       Order        `json:"order"`
	Transitions []Transition `json:"transitions"`
}

// Risk is the aggregate part of the risk ledger view.
type Risk struct {
	Exposure       decimal.Decimal `json:"exposure"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Equity         decimal.Decimal `json:"equity"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	Drawdown       decimal.Decimal `json:"drawdown"`
	OrdersInWindow int             `json:"orders_in_window"`
	Reservations   int             `json:"reservations"`
	Halted         bool            `json:"halted"`
}

// HaltResult reports which orders a halt cancelled.
type HaltResult struct {
	WasRunning bool     `json:"was_running"`
	Orders     []string `json:"orders"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sentinel api: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the sentinel status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new sentinel API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the agent's lifecycle state.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

// Positions returns the non-flat ledger positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// Orders returns orders with status: "open", "all" or a lifecycle status.
// A zero limit uses the server default.
func (c *Client) Orders(ctx context.Context, status string, limit int) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Order
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Order returns one order with its transition history.
func (c *Client) Order(ctx context.Context, key string) (OrderDetail, error) {
	var out OrderDetail
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(key), nil, &out)
	return out, err
}

// Risk returns the risk ledger summary.
func (c *Client) Risk(ctx context.Context) (Risk, error) {
	var out Risk
	err := c.do(ctx, http.MethodGet, "/api/risk", nil, &out)
	return out, err
}

// Halt engages the kill switch and cancels every open order.
func (c *Client) Halt(ctx context.Context, reason string) (HaltResult, error) {
	var out HaltResult
	err := c.do(ctx, http.MethodPost, "/api/halt", map[string]string{"reason": reason}, &out)
	return out, err
}

// Resume lifts a halt.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/resume", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
