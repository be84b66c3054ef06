package xt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/xtconnector/internal/infrastructure/ratelimit"
	xerrors "github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/Aidin1998/xtconnector/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate admits requests per path.
type Gate interface {
	Acquire(ctx context.Context, path string) (*ratelimit.Permit, error)
}

// Client issues REST requests against the exchange.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *Auth
	gate       Gate
	logger     *zap.Logger
}

// NewClient creates a client. auth may be nil when only public endpoints are used.
func NewClient(baseURL string, timeout time.Duration, auth *Auth, gate Gate, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		auth:   auth,
		gate:   gate,
		logger: logger.Named("xt"),
	}
}

// Request sends one request and returns the raw JSON body. The rate gate
// permit for path is held until the response is read.
func (c *Client) Request(ctx context.Context, method, path string, params map[string]any, authenticated bool) (json.RawMessage, error) {
	start := time.Now()
	body, err := c.do(ctx, method, path, params, authenticated)
	metrics.APIRequestLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequestErrors.WithLabelValues(path, string(xerrors.Kind(err))).Inc()
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]any, authenticated bool) (json.RawMessage, error) {
	permit, err := c.gate.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	values := encodeParams(params)
	if authenticated {
		if c.auth == nil {
			return nil, fmt.Errorf("%s %s: authenticated request without credentials", method, path)
		}
		values = c.auth.Sign(values)
	}
	form := url.Values{}
	for k, v := range values {
		form.Set(k, v)
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var req *http.Request
	switch method {
	case http.MethodGet:
		if len(form) > 0 {
			endpoint += "?" + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewBufferString(form.Encode()))
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, &xerrors.TransportError{Method: method, Path: path, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &xerrors.TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &xerrors.TransportError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &xerrors.TransportError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if !json.Valid(raw) {
		return nil, &xerrors.TransportError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("invalid JSON body: %s", truncate(string(raw), 128))}
	}
	if err := checkCode(path, raw); err != nil {
		return nil, err
	}
	c.logger.Debug("Exchange request", zap.String("method", method), zap.String("path", path))
	return raw, nil
}

// checkCode rejects a body whose code is outside the accepted set. Bodies
// without a code, and non-object bodies, pass.
func checkCode(path string, raw []byte) error {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil
	}
	codeVal, ok := body["code"]
	if !ok {
		return nil
	}
	code, ok := ParseCode(codeVal)
	if ok && IsAcceptedCode(code) {
		return nil
	}
	return &xerrors.ApplicationError{Path: path, Code: code, Body: body}
}

// ParseCode reads a numeric code that may arrive as a number or a string.
func ParseCode(v any) (int, bool) {
	switch c := v.(type) {
	case json.Number:
		n, err := c.Int64()
		return int(n), err == nil
	case float64:
		return int(c), true
	case string:
		n, err := strconv.Atoi(c)
		return n, err == nil
	default:
		return 0, false
	}
}

func encodeParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			out[k] = val
		case decimal.Decimal:
			out[k] = val.String()
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
