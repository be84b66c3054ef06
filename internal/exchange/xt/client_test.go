package xt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/xtconnector/internal/infrastructure/ratelimit"
	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	gate := ratelimit.NewGate(ratelimit.Limit{RequestsPerSecond: 1000, Burst: 100, MaxConcurrent: 10}, nil)
	auth := NewAuth("key", "secret")
	auth.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return NewClient(srv.URL, 5*time.Second, auth, gate, zaptest.NewLogger(t))
}

func TestAuthSign(t *testing.T) {
	auth := NewAuth("key", "secret")
	auth.now = func() time.Time { return time.UnixMilli(1700000000123) }

	signed := auth.Sign(map[string]string{"market": "btc_usdt", "id": "7"})
	assert.Equal(t, "key", signed["accesskey"])
	assert.Equal(t, "1700000000123", signed["nonce"])

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("accesskey=key&id=7&market=btc_usdt&nonce=1700000000123"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signed["signature"])
}

func TestClientGetSignsAndEncodesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/"+PathBalance, r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("accesskey"))
		assert.NotEmpty(t, q.Get("signature"))
		assert.Equal(t, "5", q.Get("page"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"btc":{"available":"1","freeze":"0"}}}`))
	})

	raw, err := client.Request(context.Background(), http.MethodGet, PathBalance, map[string]any{"page": 5}, true)
	require.NoError(t, err)
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, 200, body.Code)
}

func TestClientPostSendsForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "btc_usdt", r.PostForm.Get("market"))
		assert.Equal(t, "0.0012", r.PostForm.Get("number"))
		assert.Equal(t, "1", r.PostForm.Get("type"))
		_, _ = w.Write([]byte(`{"code":"121","data":{"id":99}}`))
	})

	_, err := client.Request(context.Background(), http.MethodPost, PathCreateOrder, map[string]any{
		"market": "btc_usdt",
		"number": decimal.RequireFromString("0.0012"),
		"type":   SideBuy,
	}, true)
	require.NoError(t, err)
}

func TestClientErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   xerrors.ErrorKind
	}{
		{"http status", http.StatusBadGateway, `oops`, xerrors.KindTransport},
		{"bad json", http.StatusOK, `{not json`, xerrors.KindTransport},
		{"rejected code", http.StatusOK, `{"code":123,"info":"cancel failed"}`, xerrors.KindApplication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Request(context.Background(), http.MethodGet, PathServerTime, nil, false)
			require.Error(t, err)
			assert.Equal(t, tc.kind, xerrors.Kind(err))
		})
	}
}

func TestClientApplicationErrorCarriesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":124,"info":"order not found"}`))
	})
	_, err := client.Request(context.Background(), http.MethodPost, PathCancelOrder, map[string]any{"id": 1}, true)
	var appErr *xerrors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 124, appErr.Code)
	assert.Equal(t, "order not found", appErr.Body["info"])
	assert.False(t, xerrors.IsRetryable(err))
}

func TestClientBodyWithoutCodePasses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"btc_usdt":{"pricePoint":2}}`))
	})
	raw, err := client.Request(context.Background(), http.MethodGet, PathMarketConfig, nil, false)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "btc_usdt")
}

func TestClientContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, http.MethodGet, PathServerTime, nil, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPairConversion(t *testing.T) {
	assert.Equal(t, "btc_usdt", ToExchangePair("BTC-USDT"))
	assert.Equal(t, "ETH-BTC", FromExchangePair("eth_btc"))
}

func TestPathByName(t *testing.T) {
	p, ok := PathByName("Batch_Orders")
	assert.True(t, ok)
	assert.Equal(t, PathBatchOrders, p)
	_, ok = PathByName("withdraw")
	assert.False(t, ok)
}

func TestParseCode(t *testing.T) {
	n, ok := ParseCode(json.Number("200"))
	assert.True(t, ok)
	assert.Equal(t, 200, n)
	n, ok = ParseCode("122")
	assert.True(t, ok)
	assert.Equal(t, 122, n)
	_, ok = ParseCode(nil)
	assert.False(t, ok)
}
