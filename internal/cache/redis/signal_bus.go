package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// exitStreamCap bounds the exit event stream (XADD MAXLEN ~).
const exitStreamCap int64 = 10000

// payloadField is the stream entry field holding the JSON event.
const payloadField = "payload"

// SignalBus carries exit events and mark price ticks. Pub/sub serves live
// consumers (websocket hub, trigger); the capped stream lets a client that
// was offline page through recent exits.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

func (b *SignalBus) xadd(stream string, payload []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: b.c.Key(stream),
		MaxLen: exitStreamCap,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}
}

// Publish sends payload on channel.
func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, b.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe relays messages from channel until ctx ends. A channel name
// containing glob characters is pattern-subscribed.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	subscribe := b.c.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = b.c.rdb.PSubscribe
	}
	ps := subscribe(ctx, b.c.Key(channel))
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			var msg *redis.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg = m
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream.
func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	if err := b.c.rdb.XAdd(ctx, b.xadd(stream, payload)).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries strictly after afterID; "0" starts
// at the beginning. Entries without a payload field are skipped.
func (b *SignalBus) StreamRead(ctx context.Context, stream string, afterID string, count int) ([]domain.StreamMessage, error) {
	if afterID == "" {
		afterID = "0"
	}
	entries, err := b.c.rdb.XRangeN(ctx, b.c.Key(stream), "("+afterID, "+", int64(count)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: xrange %s after %s: %w", stream, afterID, err)
	}
	msgs := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values[payloadField].(string)
		if !ok {
			continue
		}
		msgs = append(msgs, domain.StreamMessage{ID: e.ID, Payload: []byte(raw)})
	}
	return msgs, nil
}

// PublishExitEvent records ev on the exit stream and announces it on the
// exits channel in one MULTI block.
func (b *SignalBus) PublishExitEvent(ctx context.Context, ev domain.ExitEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode %s event: %w", ev.Type, err)
	}
	_, err = b.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, b.xadd(domain.StreamExitEvents, payload))
		p.Publish(ctx, b.c.Key(domain.ChannelExits), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s event for %s: %w", ev.Type, ev.Symbol, err)
	}
	return nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
