package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultStreamURL is the production futures combined stream root.
	DefaultStreamURL = "wss://fstream.binance.com"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// MarkPriceHandler receives every decoded mark price tick.
type MarkPriceHandler func(MarkPrice)

// MarkPriceStream reads <symbol>@markPrice@1s for a set of symbols over one
// combined stream connection.
type MarkPriceStream struct {
	baseURL string
	symbols []string
	handler MarkPriceHandler
}

// NewMarkPriceStream creates a stream for symbols.
func NewMarkPriceStream(baseURL string, symbols []string, handler MarkPriceHandler) *MarkPriceStream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &MarkPriceStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		handler: handler,
	}
}

// URL is the combined stream URL for the configured symbols.
func (s *MarkPriceStream) URL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@markPrice@1s")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and dispatches messages until the connection drops or ctx
// is cancelled. It does not reconnect; callers loop around Run.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.URL(), nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings every few minutes and drops clients that do not answer.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance/ws: read: %w", err)
		}
		if mp, ok := DecodeMarkPrice(msg); ok && s.handler != nil {
			s.handler(mp)
		}
	}
}

// DecodeMarkPrice parses a combined-stream or raw markPriceUpdate frame.
func DecodeMarkPrice(raw []byte) (MarkPrice, bool) {
	var env StreamEnvelope[MarkPriceEvent]
	if err := json.Unmarshal(raw, &env); err == nil && env.Data.EventType == "markPriceUpdate" {
		return env.Data.ToMarkPrice(), true
	}
	var ev MarkPriceEvent
	if err := json.Unmarshal(raw, &ev); err == nil && ev.EventType == "markPriceUpdate" {
		return ev.ToMarkPrice(), true
	}
	return MarkPrice{}, false
}
