// Package redis backs the mark price cache, indicator snapshots, the
// per-symbol evaluation lock, the gateway rate limiter and the exit event
// bus with go-redis/v9. Keys live under a namespace so several bots can
// share one instance.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is used when ClientConfig.Namespace is empty.
const DefaultNamespace = "futbot"

// ClientConfig holds connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Namespace  string
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: cfg.namespace(),
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

func (cfg ClientConfig) namespace() string {
	if ns := strings.TrimSuffix(cfg.Namespace, ":"); ns != "" {
		return ns
	}
	return DefaultNamespace
}

// Client is a namespaced go-redis client shared by the caches, the lock
// manager, the rate limiter and the bus.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// New connects and fails fast when the server does not answer PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	c := &Client{rdb: redis.NewClient(cfg.options()), namespace: cfg.namespace()}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, namespace: ClientConfig{Namespace: namespace}.namespace()}
}

// Ping satisfies the health handler's Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key joins parts under the namespace: Key("price", "BTCUSDT") is
// "futbot:price:BTCUSDT".
func (c *Client) Key(parts ...string) string {
	return c.namespace + ":" + strings.Join(parts, ":")
}
