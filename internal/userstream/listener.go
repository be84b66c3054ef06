// Package userstream keeps a websocket open to the exchange's private push
// channel and hands every order and trade message to the connector.
package userstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/xtconnector/pkg/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler applies one pushed message.
type Handler interface {
	ProcessUserStreamMessage(ctx context.Context, raw json.RawMessage) error
}

// Config controls the connection.
type Config struct {
	URL               string
	ListenKey         string
	Topics            []string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
}

// Listener is a websocket client with auto-reconnect.
type Listener struct {
	cfg       Config
	handler   Handler
	logger    *zap.Logger
	dialer    *websocket.Dialer
	connected atomic.Bool
	messages  atomic.Int64
}

type subscribeRequest struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	ListenKey string   `json:"listenKey,omitempty"`
	ID        string   `json:"id"`
}

// NewListener creates a listener. Run must be called to connect.
func NewListener(cfg Config, handler Handler, logger *zap.Logger) *Listener {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"order", "trade"}
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("userstream"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Connected reports whether a session is currently open.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Messages returns the number of messages handed to the handler.
func (l *Listener) Messages() int64 { return l.messages.Load() }

// Run connects and reconnects until ctx is done. It always returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.LoopFailures.WithLabelValues("user_stream").Inc()
		l.logger.Warn("User stream disconnected, reconnecting",
			zap.Duration("backoff", l.cfg.ReconnectInterval),
			zap.Error(err),
		)
		t := time.NewTimer(l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (l *Listener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	defer conn.Close()

	sub := subscribeRequest{Method: "subscribe", Params: l.cfg.Topics, ListenKey: l.cfg.ListenKey, ID: fmt.Sprint(time.Now().UnixMilli())}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.connected.Store(true)
	defer l.connected.Store(false)
	l.logger.Info("User stream connected", zap.Strings("topics", l.cfg.Topics))

	done := make(chan struct{})
	defer close(done)
	go func() {
		var tick <-chan time.Time
		if l.cfg.PingInterval > 0 {
			t := time.NewTicker(l.cfg.PingInterval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblocks ReadMessage
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
					l.logger.Debug("Ping failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("closed by server")
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.TextMessage || len(data) == 0 || data[0] != '{' {
			continue
		}
		l.messages.Add(1)
		if err := l.handler.ProcessUserStreamMessage(ctx, json.RawMessage(data)); err != nil {
			l.logger.Warn("Could not apply user stream message", zap.ByteString("message", data), zap.Error(err))
		}
	}
}
