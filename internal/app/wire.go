package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/alanyoungcy/futuresbot/internal/blob/s3"
	"github.com/alanyoungcy/futuresbot/internal/cache/redis"
	"github.com/alanyoungcy/futuresbot/internal/config"
	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/notify"
	"github.com/alanyoungcy/futuresbot/internal/observability"
	"github.com/alanyoungcy/futuresbot/internal/server/handler"
	"github.com/alanyoungcy/futuresbot/internal/store/postgres"
)

// Dependencies holds the infrastructure a mode runs on. Backends a mode
// does not use stay nil.
type Dependencies struct {
	Postgres      *postgres.Client
	PositionStore *postgres.PositionStore
	AuditStore    domain.AuditStore

	Redis       *redis.Client
	PriceCache  domain.PriceCache
	Indicators  domain.IndicatorSource
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus

	S3         *s3blob.Bucket
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Metrics  *observability.Metrics
}

// Pingers returns the wired backends that report health.
func (d *Dependencies) Pingers() map[string]handler.Pinger {
	out := map[string]handler.Pinger{}
	if d.Postgres != nil {
		out["postgres"] = d.Postgres
	}
	if d.Redis != nil {
		out["redis"] = d.Redis
	}
	if d.S3 != nil {
		out["s3"] = pingFunc(d.S3.Health)
	}
	return out
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// liveModes run the exit loop and need Postgres and Redis. Backtest only
// reads candles and optionally S3.
var liveModes = map[string]bool{"trade": true, "monitor": true}

// wiring accumulates dependencies and the functions that release them.
type wiring struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	closers []func()
}

func (w *wiring) release() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}

// Wire builds the dependencies cfg.Mode needs. The returned cleanup
// releases them in reverse order of construction.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	w := &wiring{cfg: cfg, logger: logger, deps: &Dependencies{}}

	steps := []struct {
		name string
		run  func(context.Context) error
		on   bool
	}{
		{"postgres", w.postgres, liveModes[cfg.Mode]},
		{"redis", w.redis, liveModes[cfg.Mode]},
		{"s3", w.blobs, cfg.S3.Enabled},
	}
	for _, s := range steps {
		if !s.on {
			continue
		}
		if err := s.run(ctx); err != nil {
			w.release()
			return nil, nil, fmt.Errorf("wire: %s: %w", s.name, err)
		}
	}

	if cfg.Metrics.Enabled {
		w.deps.Metrics = observability.NewMetrics(cfg.Metrics.Namespace, prometheus.NewRegistry())
	}
	w.deps.Notifier = notify.NewNotifier(w.senders(), cfg.Notify.Events, logger)

	return w.deps, w.release, nil
}

func (w *wiring) postgres(ctx context.Context) error {
	pg := w.cfg.Postgres
	client, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:              pg.DSN,
		Host:             pg.Host,
		Port:             pg.Port,
		Database:         pg.Database,
		User:             pg.User,
		Password:         pg.Password,
		SSLMode:          pg.SSLMode,
		MaxConns:         pg.PoolMaxConns,
		MinConns:         pg.PoolMinConns,
		StatementTimeout: pg.StatementTimeout.Duration,
	})
	if err != nil {
		return err
	}
	w.closers = append(w.closers, client.Close)

	if pg.RunMigrations {
		if err := client.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	w.deps.Postgres = client
	w.deps.PositionStore = postgres.NewPositionStore(client.Pool())
	w.deps.AuditStore = postgres.NewAuditStore(client.Pool())
	return nil
}

func (w *wiring) redis(ctx context.Context) error {
	rc := w.cfg.Redis
	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		PoolSize:   rc.PoolSize,
		MaxRetries: rc.MaxRetries,
		TLSEnabled: rc.TLSEnabled,
		Namespace:  rc.Namespace,
	})
	if err != nil {
		return err
	}
	w.closers = append(w.closers, func() {
		if err := client.Close(); err != nil {
			w.logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	})

	d := w.deps
	d.Redis = client
	d.PriceCache = redis.NewPriceCache(client, w.cfg.Engine.PriceTTL.Duration)
	d.Indicators = redis.NewIndicatorCache(client)
	d.RateLimiter = redis.NewRateLimiter(client)
	d.LockManager = redis.NewLockManager(client)
	d.SignalBus = redis.NewSignalBus(client)
	return nil
}

// blobs wires S3. The archiver additionally needs the position store, so
// it is only built in the live modes.
func (w *wiring) blobs(ctx context.Context) error {
	sc := w.cfg.S3
	bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       sc.Endpoint,
		Region:         sc.Region,
		Bucket:         sc.Bucket,
		AccessKey:      sc.AccessKey,
		SecretKey:      sc.SecretKey,
		UseSSL:         sc.UseSSL,
		ForcePathStyle: sc.ForcePathStyle,
		Prefix:         sc.Prefix,
	})
	if err != nil {
		return err
	}

	d := w.deps
	d.S3 = bucket
	d.BlobWriter = bucket
	d.BlobReader = bucket
	if d.PositionStore != nil {
		d.Archiver = s3blob.NewArchiver(bucket, d.PositionStore, d.AuditStore)
	}
	return nil
}

func (w *wiring) senders() []notify.Sender {
	n := w.cfg.Notify
	var out []notify.Sender
	if n.TelegramToken != "" && n.TelegramChatID != "" {
		out = append(out, notify.NewTelegramSender(notify.DefaultTelegramAPI, n.TelegramToken, n.TelegramChatID))
	}
	if n.DiscordWebhookURL != "" {
		out = append(out, notify.NewDiscordSender(n.DiscordWebhookURL))
	}
	return out
}
