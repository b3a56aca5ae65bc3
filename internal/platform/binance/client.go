// Package binance is the REST and WebSocket client for Binance USDT-M
// perpetual futures.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/crypto"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// DefaultBaseURL is the production USDT-M futures REST root.
const DefaultBaseURL = "https://fapi.binance.com"

// Client is the REST client for order placement, order queries and mark
// prices. It implements executor.Gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

// NewClient creates a futures REST client. auth may be nil for read-only
// use; signed calls then fail with domain.ErrUnauthorized.
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

// PlaceReduceOnlyMarketOrder submits a MARKET order with reduceOnly=true
// and returns the exchange order ID.
func (c *Client) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("binance: place order: %w: quantity %g", domain.ErrInvalidOrder, quantity)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", "fb"+strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", fmt.Errorf("binance: place order %s %s: %w", side, symbol, err)
	}

	var order APIOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("binance: decode order: %w", err)
	}
	if order.OrderID == 0 {
		return "", errors.New("binance: place order: response carried no orderId")
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

// GetOrderStatus queries a single order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatusReport, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("binance: get order %s: %w", orderID, err)
	}

	var order APIOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return order.ToStatusReport(), nil
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex?"+params.Encode(), nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("binance: mark price %s: %w", symbol, err)
	}
	var mp APIMarkPrice
	if err := json.Unmarshal(body, &mp); err != nil {
		return 0, time.Time{}, fmt.Errorf("binance: decode mark price: %w", err)
	}
	return parseFloat(mp.MarkPrice), time.UnixMilli(mp.Time).UTC(), nil
}

// Positions returns the non-flat positions held on the account.
func (c *Client) Positions(ctx context.Context) ([]ExchangePosition, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance: position risk: %w", err)
	}
	var rows []APIPositionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode position risk: %w", err)
	}
	out := make([]ExchangePosition, 0, len(rows))
	for _, r := range rows {
		if p, ok := r.ToExchangePosition(); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if !c.auth.Configured() {
		return nil, fmt.Errorf("%w: api key not configured", domain.ErrUnauthorized)
	}
	query := c.auth.Sign(params)

	if method == http.MethodGet || method == http.MethodDelete {
		return c.do(ctx, method, path+"?"+query, nil)
	}
	return c.do(ctx, method, path, strings.NewReader(query))
}

func (c *Client) do(ctx context.Context, method, pathAndQuery string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.auth != nil && c.auth.Key != "" {
		for k, v := range c.auth.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx responses to domain errors, keeping the
// Binance error code in the message.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := string(body)
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		msg = fmt.Sprintf("code %d: %s", apiErr.Code, apiErr.Msg)
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests, 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
