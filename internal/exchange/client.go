// Package exchange connects the engine to the trading venue: a signed REST
// client for candles, balances, positions, and orders, plus a websocket
// price feed that keeps a live last-trade cache per instrument.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// InstrumentSpec carries the venue precision rules for one instrument.
type InstrumentSpec struct {
	TickSize float64
	StepSize float64
}

// ClientConfig configures the REST connector.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client implements the market capability interfaces over the venue's REST
// API. It is safe for concurrent use; resty manages the connection pool.
type Client struct {
	http   *resty.Client
	secret string
	specs  map[string]InstrumentSpec
	log    zerolog.Logger
}

func NewClient(cfg ClientConfig, specs map[string]InstrumentSpec, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-API-KEY", cfg.APIKey)
	if specs == nil {
		specs = map[string]InstrumentSpec{}
	}
	return &Client{http: http, secret: cfg.APISecret, specs: specs, log: log}
}

// Spec returns the precision rules for an instrument, zero-valued when the
// venue metadata was never configured.
func (c *Client) Spec(instrument string) InstrumentSpec {
	return c.specs[instrument]
}

// sign adds the timestamped request signature private endpoints require.
func (c *Client) sign(req *resty.Request, method, path string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + method + path))
	return req.
		SetHeader("X-TIMESTAMP", ts).
		SetHeader("X-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}

type candlePayload struct {
	Ts     int64  `json:"ts"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func intervalParam(tf market.Timeframe) string {
	if tf == market.Timeframe1D {
		return "1d"
	}
	return "4h"
}

// Candles fetches up to minCount closed bars, ascending by timestamp.
func (c *Client) Candles(ctx context.Context, instrument string, tf market.Timeframe, minCount int) ([]market.Candle, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   instrument,
			"interval": intervalParam(tf),
			"limit":    strconv.Itoa(minCount),
		}).
		Get("/api/v1/candles")
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s %s: %w", instrument, tf, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("candles %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}

	var payload []candlePayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decode candles %s: %w", instrument, err)
	}
	out := make([]market.Candle, 0, len(payload))
	for _, p := range payload {
		candle, err := p.toCandle()
		if err != nil {
			return nil, fmt.Errorf("candle %s: %w", instrument, err)
		}
		out = append(out, candle)
	}
	if len(out) < minCount {
		return nil, fmt.Errorf("candles %s %s: got %d, want at least %d", instrument, tf, len(out), minCount)
	}
	return out, nil
}

func (p candlePayload) toCandle() (market.Candle, error) {
	var (
		c   market.Candle
		err error
	)
	c.Ts = time.UnixMilli(p.Ts)
	if c.Open, err = parseFloat(p.Open, "open"); err != nil {
		return c, err
	}
	if c.High, err = parseFloat(p.High, "high"); err != nil {
		return c, err
	}
	if c.Low, err = parseFloat(p.Low, "low"); err != nil {
		return c, err
	}
	if c.Close, err = parseFloat(p.Close, "close"); err != nil {
		return c, err
	}
	c.Volume, err = parseFloat(p.Volume, "volume")
	return c, err
}

// CurrentPrice reads the last traded price from the ticker endpoint.
func (c *Client) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", instrument).
		Get("/api/v1/ticker")
	if err != nil {
		return 0, fmt.Errorf("fetch ticker %s: %w", instrument, err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("ticker %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return 0, fmt.Errorf("decode ticker %s: %w", instrument, err)
	}
	return parseFloat(payload.Price, "price")
}

// Balances reads the account snapshot used for allocation.
func (c *Client) Balances(ctx context.Context) (market.Balance, error) {
	resp, err := c.sign(c.http.R().SetContext(ctx), "GET", "/api/v1/account").Get("/api/v1/account")
	if err != nil {
		return market.Balance{}, fmt.Errorf("fetch balances: %w", err)
	}
	if resp.StatusCode() != 200 {
		return market.Balance{}, fmt.Errorf("balances: status %d: %s", resp.StatusCode(), resp.String())
	}
	var payload struct {
		Available   string `json:"available"`
		TotalEquity string `json:"total_equity"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return market.Balance{}, fmt.Errorf("decode balances: %w", err)
	}
	var bal market.Balance
	if bal.Available, err = parseFloat(payload.Available, "available"); err != nil {
		return market.Balance{}, err
	}
	if bal.TotalEquity, err = parseFloat(payload.TotalEquity, "total_equity"); err != nil {
		return market.Balance{}, err
	}
	return bal, nil
}

// CurrentPosition reads the live position, nil when the instrument is flat.
func (c *Client) CurrentPosition(ctx context.Context, instrument string) (*market.Position, error) {
	resp, err := c.sign(c.http.R().SetContext(ctx), "GET", "/api/v1/position").
		SetQueryParam("symbol", instrument).
		Get("/api/v1/position")
	if err != nil {
		return nil, fmt.Errorf("fetch position %s: %w", instrument, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("position %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}
	var payload struct {
		Side     string `json:"side"`
		Qty      string `json:"qty"`
		AvgPrice string `json:"avg_price"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", instrument, err)
	}
	if payload.Side == "" || payload.Qty == "" || payload.Qty == "0" {
		return nil, nil
	}
	pos := &market.Position{Side: market.PositionSide(payload.Side)}
	if pos.Quantity, err = parseFloat(payload.Qty, "qty"); err != nil {
		return nil, err
	}
	if pos.Quantity <= 0 {
		return nil, nil
	}
	if pos.AvgPrice, err = parseFloat(payload.AvgPrice, "avg_price"); err != nil {
		return nil, err
	}
	return pos, nil
}

type orderRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Type   string `json:"type"`
	Qty    string `json:"qty"`
	Price  string `json:"price,omitempty"`
}

func (c *Client) placeOrder(ctx context.Context, req orderRequest) (string, error) {
	resp, err := c.sign(c.http.R().SetContext(ctx), "POST", "/api/v1/order").
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/api/v1/order")
	if err != nil {
		return "", fmt.Errorf("place %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("place %s %s: status %d: %s", req.Type, req.Symbol, resp.StatusCode(), resp.String())
	}
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return "", fmt.Errorf("decode order response %s: %w", req.Symbol, err)
	}
	if payload.OrderID == "" {
		return "", fmt.Errorf("place %s %s: empty order id", req.Type, req.Symbol)
	}
	return payload.OrderID, nil
}

// PlaceLimit submits a limit order with price and quantity snapped to the
// instrument's precision rules.
func (c *Client) PlaceLimit(ctx context.Context, instrument string, side market.Side, qty, price float64) (string, error) {
	spec := c.specs[instrument]
	id, err := c.placeOrder(ctx, orderRequest{
		Symbol: instrument,
		Side:   string(side),
		Type:   "limit",
		Qty:    FormatQty(qty, spec.StepSize),
		Price:  FormatPrice(RoundToTick(price, spec.TickSize), spec.TickSize),
	})
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("sym", instrument).Str("side", string(side)).
		Float64("qty", qty).Float64("px", price).Str("order_id", id).Msg("limit order placed")
	return id, nil
}

// PlaceMarket submits a market order for qty.
func (c *Client) PlaceMarket(ctx context.Context, instrument string, side market.Side, qty float64) (string, error) {
	spec := c.specs[instrument]
	id, err := c.placeOrder(ctx, orderRequest{
		Symbol: instrument,
		Side:   string(side),
		Type:   "market",
		Qty:    FormatQty(qty, spec.StepSize),
	})
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("sym", instrument).Str("side", string(side)).
		Float64("qty", qty).Str("order_id", id).Msg("market order placed")
	return id, nil
}

// Cancel cancels a single working order.
func (c *Client) Cancel(ctx context.Context, instrument, orderID string) error {
	resp, err := c.sign(c.http.R().SetContext(ctx), "DELETE", "/api/v1/order").
		SetQueryParams(map[string]string{"symbol": instrument, "order_id": orderID}).
		Delete("/api/v1/order")
	if err != nil {
		return fmt.Errorf("cancel %s %s: %w", instrument, orderID, err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 404 {
		return fmt.Errorf("cancel %s %s: status %d: %s", instrument, orderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every working order on the instrument.
func (c *Client) CancelAll(ctx context.Context, instrument string) error {
	resp, err := c.sign(c.http.R().SetContext(ctx), "DELETE", "/api/v1/orders").
		SetQueryParam("symbol", instrument).
		Delete("/api/v1/orders")
	if err != nil {
		return fmt.Errorf("cancel all %s: %w", instrument, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("cancel all %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}
	return nil
}

// OrderState reports fill progress for a working or finished order.
func (c *Client) OrderState(ctx context.Context, instrument, orderID string) (market.OrderState, error) {
	resp, err := c.sign(c.http.R().SetContext(ctx), "GET", "/api/v1/order").
		SetQueryParams(map[string]string{"symbol": instrument, "order_id": orderID}).
		Get("/api/v1/order")
	if err != nil {
		return market.OrderState{}, fmt.Errorf("order state %s %s: %w", instrument, orderID, err)
	}
	if resp.StatusCode() != 200 {
		return market.OrderState{}, fmt.Errorf("order state %s %s: status %d: %s", instrument, orderID, resp.StatusCode(), resp.String())
	}
	var payload struct {
		Status    string `json:"status"`
		FilledQty string `json:"filled_qty"`
		AvgPrice  string `json:"avg_price"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return market.OrderState{}, fmt.Errorf("decode order state %s: %w", instrument, err)
	}
	st := market.OrderState{Status: market.OrderStatus(payload.Status)}
	if payload.FilledQty != "" {
		if st.FilledQty, err = parseFloat(payload.FilledQty, "filled_qty"); err != nil {
			return market.OrderState{}, err
		}
	}
	if payload.AvgPrice != "" {
		if st.AvgPrice, err = parseFloat(payload.AvgPrice, "avg_price"); err != nil {
			return market.OrderState{}, err
		}
	}
	return st, nil
}
