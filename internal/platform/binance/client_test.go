package binance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/crypto"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func testAuth() *crypto.HMACAuth {
	return &crypto.HMACAuth{Key: "api-key", Secret: "api-secret"}
}

func TestPlaceReduceOnlyMarketOrder(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get(crypto.APIKeyHeader))
		body, _ := io.ReadAll(r.Body)
		var err error
		form, err = url.ParseQuery(string(body))
		assert.NoError(t, err)
		_, _ = w.Write([]byte(`{"orderId":123456,"symbol":"BTCUSDT","status":"NEW"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(), 0)
	id, err := c.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideSell, 0.4)
	require.NoError(t, err)
	assert.Equal(t, "123456", id)

	assert.Equal(t, "BTCUSDT", form.Get("symbol"))
	assert.Equal(t, "SELL", form.Get("side"))
	assert.Equal(t, "MARKET", form.Get("type"))
	assert.Equal(t, "0.4", form.Get("quantity"))
	assert.Equal(t, "true", form.Get("reduceOnly"))
	assert.NotEmpty(t, form.Get("timestamp"))
	assert.Len(t, form.Get("signature"), 64)
}

func TestGetOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "42", r.URL.Query().Get("orderId"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		_, _ = w.Write([]byte(`{"orderId":42,"status":"FILLED","executedQty":"0.4","avgPrice":"0","cumQuote":"20600"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(), 0)
	rep, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "42")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, rep.Status)
	assert.InDelta(t, 0.4, rep.ExecutedQuantity, 1e-12)
	assert.InDelta(t, 51500, rep.AveragePrice, 1e-9, "average derived from cumQuote")
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(), 0)
	_, err := c.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	assert.Contains(t, err.Error(), "-1003")
}

func TestSignedCallWithoutCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, 0)
	_, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = c.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestMarkPriceAndPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","markPrice":"3050.25","time":1700000000000}`))
	})
	mux.HandleFunc("/fapi/v2/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"ETHUSDT","positionAmt":"-2.5","entryPrice":"3100","markPrice":"3050","leverage":"5"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"50000","leverage":"10"}
		]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(), 0)
	price, at, err := c.MarkPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3050.25, price)
	assert.Equal(t, int64(1700000000000), at.UnixMilli())

	pos, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, domain.SideShort, pos[0].Side)
	assert.Equal(t, 2.5, pos[0].Quantity)
	assert.Equal(t, 5, pos[0].Leverage)
}

func TestDecodeMarkPrice(t *testing.T) {
	mp, ok := DecodeMarkPrice([]byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"50123.4"}}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", mp.Symbol)
	assert.Equal(t, 50123.4, mp.Price)

	_, ok = DecodeMarkPrice([]byte(`{"e":"aggTrade"}`))
	assert.False(t, ok)

	s := NewMarkPriceStream("", []string{"BTCUSDT", "ETHUSDT"}, nil)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s", s.URL())
}
