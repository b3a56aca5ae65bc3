package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/analytics"
	"github.com/alanyoungcy/futuresbot/internal/backtest"
	s3blob "github.com/alanyoungcy/futuresbot/internal/blob/s3"
	"github.com/alanyoungcy/futuresbot/internal/crypto"
	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/executor"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/feed"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
	"github.com/alanyoungcy/futuresbot/internal/pipeline"
	"github.com/alanyoungcy/futuresbot/internal/platform/binance"
	"github.com/alanyoungcy/futuresbot/internal/server"
	"github.com/alanyoungcy/futuresbot/internal/server/handler"
	"github.com/alanyoungcy/futuresbot/internal/server/ws"
	"github.com/alanyoungcy/futuresbot/internal/service"
)

// orderRateKey is the shared limiter bucket for exchange order calls.
const orderRateKey = "binance:orders"

// exitEngine holds the components shared by trade and monitor mode.
type exitEngine struct {
	ladder    *ladder.Controller
	positions *service.PositionService
	loop      *service.ExitService
	closer    *executor.Adapter
}

func (a *App) buildExitEngine(deps *Dependencies, gw executor.Gateway) (*exitEngine, error) {
	ctrl, err := ladder.New(a.cfg.Ladder.Controller(), a.logger)
	if err != nil {
		return nil, err
	}
	policy := a.cfg.Exit.Policy()
	policy.MinOrderSize = ctrl.MinOrderSize()
	exits, err := exitpolicy.New(policy, a.logger)
	if err != nil {
		return nil, err
	}
	tracker := ladder.NewTracker(ctrl)

	positions := service.NewPositionService(
		deps.PositionStore, deps.AuditStore, deps.SignalBus, deps.Notifier, deps.Metrics,
		ctrl, tracker, exits, a.logger,
	)

	ex := a.cfg.Execution
	closer := executor.NewAdapter(gw, ctrl.MinOrderSize(), a.logger,
		executor.WithRetryPolicy(executor.RetryPolicy{Attempts: ex.RetryAttempts, Delay: ex.RetryDelay.Duration}),
		executor.WithRateLimit(deps.RateLimiter, orderRateKey, ex.RateLimit, ex.RateWindow.Duration),
		executor.WithMetrics(deps.Metrics),
		executor.WithDedupTTL(ex.DedupTTL.Duration),
	)

	en := a.cfg.Engine
	loop := service.NewExitService(
		positions, deps.PriceCache, deps.Indicators, deps.LockManager, closer,
		ctrl, exits, tracker, deps.Metrics,
		service.ExitConfig{
			Interval:         en.TickInterval.Duration,
			Workers:          en.Workers,
			LockTTL:          en.LockTTL.Duration,
			MaxPriceAge:      en.MaxPriceAge.Duration,
			LadderEnabled:    a.cfg.Ladder.Enabled,
			FallbackToSingle: a.cfg.Ladder.FallbackToSingle,
		},
		a.logger,
	)

	return &exitEngine{
		ladder:    ctrl,
		positions: positions,
		loop:      loop,
		closer:    closer,
	}, nil
}

// TradeMode runs the exit loop against the exchange: partial closes are
// sent as signed reduce-only market orders.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           a.cfg.Exchange.APISecret,
		EncryptedPath: a.cfg.Exchange.EncryptedSecretPath,
		Password:      a.cfg.Exchange.SecretPassword,
	})
	if err != nil {
		return fmt.Errorf("app: load exchange secret: %w", err)
	}
	rest := binance.NewClient(a.cfg.Exchange.BaseURL, &crypto.HMACAuth{
		Key:        a.cfg.Exchange.APIKey,
		Secret:     secret,
		RecvWindow: a.cfg.Exchange.RecvWindow.Duration,
	}, a.cfg.Exchange.Timeout.Duration)

	return a.runExitLoop(ctx, deps, rest, rest)
}

// MonitorMode runs the full exit loop on live mark prices but fills every
// close on paper. Nothing is sent to the exchange.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode (paper fills)")
	rest := binance.NewClient(a.cfg.Exchange.BaseURL, nil, a.cfg.Exchange.Timeout.Duration)
	return a.runExitLoop(ctx, deps, executor.NewPaperGateway(deps.PriceCache), rest)
}

func (a *App) runExitLoop(ctx context.Context, deps *Dependencies, gw executor.Gateway, rest *binance.Client) error {
	eng, err := a.buildExitEngine(deps, gw)
	if err != nil {
		return fmt.Errorf("app: build exit engine: %w", err)
	}

	n, err := eng.positions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore positions: %w", err)
	}
	a.logger.InfoContext(ctx, "open positions restored", slog.Int("count", n))

	a.seedPrices(ctx, rest, deps.PriceCache)
	if eng.closer.Live() {
		a.reconcile(ctx, rest, eng.positions.List())
	}

	g, ctx := errgroup.WithContext(ctx)

	prices := feed.NewMarkPriceFeed(
		a.cfg.Engine.Symbols,
		feed.BinanceStreams(a.cfg.Exchange.StreamURL),
		deps.PriceCache,
		deps.SignalBus,
		deps.Metrics,
		a.logger,
	)
	g.Go(func() error {
		defer prices.Close()
		return prices.Run(ctx)
	})

	if a.cfg.Engine.TriggerOnPrice {
		trigger := feed.NewTrigger(deps.SignalBus, eng.loop.EvaluateSymbol, a.cfg.Engine.TriggerMinGap.Duration, a.logger)
		g.Go(func() error {
			return trigger.Run(ctx)
		})
	}

	g.Go(func() error {
		return eng.loop.Run(ctx)
	})
	g.Go(func() error {
		return eng.closer.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}

	return g.Wait()
}

// seedPrices fetches one mark price per symbol over REST so the first ticks
// do not wait for the stream.
func (a *App) seedPrices(ctx context.Context, rest *binance.Client, cache domain.PriceCache) {
	for _, sym := range a.cfg.Engine.Symbols {
		price, ts, err := rest.MarkPrice(ctx, sym)
		if err == nil && price > 0 {
			err = cache.SetPrice(ctx, sym, price, ts)
		}
		if err != nil {
			a.logger.WarnContext(ctx, "seed mark price failed",
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reconcile compares the tracked positions with the exchange account and
// logs every mismatch. It never changes state.
func (a *App) reconcile(ctx context.Context, rest *binance.Client, tracked []domain.Position) {
	held, err := rest.Positions(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "reconcile: fetch exchange positions failed",
			slog.String("error", err.Error()),
		)
		return
	}
	onExchange := make(map[string]binance.ExchangePosition, len(held))
	for _, p := range held {
		onExchange[p.Symbol] = p
	}
	for _, pos := range tracked {
		ex, ok := onExchange[pos.Symbol]
		switch {
		case !ok:
			a.logger.WarnContext(ctx, "reconcile: tracked position is flat on the exchange",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
			)
		case ex.Side != pos.Side || math.Abs(ex.Quantity-pos.Quantity) > 1e-9:
			a.logger.WarnContext(ctx, "reconcile: size mismatch",
				slog.String("symbol", pos.Symbol),
				slog.String("tracked_side", string(pos.Side)),
				slog.Float64("tracked_qty", pos.Quantity),
				slog.String("exchange_side", string(ex.Side)),
				slog.Float64("exchange_qty", ex.Quantity),
			)
		}
		delete(onExchange, pos.Symbol)
	}
	for sym, ex := range onExchange {
		a.logger.InfoContext(ctx, "reconcile: exchange position is not tracked",
			slog.String("symbol", sym),
			slog.String("side", string(ex.Side)),
			slog.Float64("quantity", ex.Quantity),
		)
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *exitEngine) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, eng.positions, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		Channels:       []string{domain.ChannelExits, domain.ChannelPrices},
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Pingers(), a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.Symbols, a.cfg.Ladder.Enabled, startedAt, eng.positions),
		Positions: handler.NewPositionHandler(eng.positions, eng.loop, a.logger),
		Analytics: handler.NewAnalyticsHandler(deps.PositionStore, eng.ladder.NumLevels(), a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	if deps.SignalBus != nil {
		handlers.Events = handler.NewEventsHandler(deps.SignalBus, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, s3blob.ArchivePrefix, a.logger)
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// backtestReport is the JSON document a backtest run produces.
type backtestReport struct {
	Symbol       string                 `json:"symbol"`
	Side         domain.Side            `json:"side"`
	ExitStrategy string                 `json:"exit_strategy"`
	Ladder       []ladder.Level         `json:"ladder,omitempty"`
	Candles      int                    `json:"candles"`
	From         time.Time              `json:"from"`
	To           time.Time              `json:"to"`
	Trades       []domain.Position      `json:"trades"`
	Performance  *analytics.Performance `json:"performance"`
	Comparison   *analytics.Comparison  `json:"comparison"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// BacktestMode replays a candle file through the exit engine and writes the
// scaled take-profit report.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	bt := a.cfg.Backtest
	a.logger.InfoContext(ctx, "starting backtest mode",
		slog.String("source", bt.Source),
		slog.String("symbol", bt.Symbol),
	)

	ctrl, err := ladder.New(a.cfg.Ladder.Controller(), a.logger)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}
	candles, err := backtest.Load(ctx, bt.Source, deps.BlobReader)
	if err != nil {
		return err
	}
	sim, err := backtest.NewSimulator(ctrl, a.cfg.Exit.Policy(), backtest.Config{
		Symbol:           bt.Symbol,
		Side:             domain.Side(bt.Side),
		Quantity:         bt.Quantity,
		StopFraction:     bt.StopFraction,
		LadderEnabled:    a.cfg.Ladder.Enabled,
		FallbackToSingle: a.cfg.Ladder.FallbackToSingle,
		Reenter:          bt.Reenter,
	}, a.logger)
	if err != nil {
		return err
	}
	res, err := sim.Run(ctx, candles)
	if err != nil {
		return err
	}

	report := analytics.BuildReport(res.Positions, ctrl.NumLevels())
	out := backtestReport{
		Symbol:      res.Symbol,
		Side:        domain.Side(bt.Side),
		Candles:     res.Candles,
		From:        res.From,
		To:          res.To,
		Trades:      res.Positions,
		Performance: report.Performance,
		Comparison:  report.Comparison,
		GeneratedAt: time.Now().UTC(),
	}
	if a.cfg.Ladder.Enabled {
		out.ExitStrategy = "ladder"
		out.Ladder = ctrl.Levels()
	} else {
		out.ExitStrategy = "atr"
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("app: encode backtest report: %w", err)
	}

	if bt.ReportPath != "" {
		if err := os.WriteFile(bt.ReportPath, data, 0o644); err != nil {
			return fmt.Errorf("app: write backtest report: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stdout, string(data))
	}

	if bt.UploadReport && deps.BlobWriter != nil {
		key := path.Join("backtests", res.Symbol, out.GeneratedAt.Format("20060102T150405Z")+".json")
		if err := deps.BlobWriter.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
			return fmt.Errorf("app: upload backtest report: %w", err)
		}
		a.logger.InfoContext(ctx, "backtest report uploaded", slog.String("key", key))
	}

	attrs := []any{slog.Int("trades", len(res.Positions))}
	if c := report.Comparison; c != nil {
		attrs = append(attrs,
			slog.Int("scaled_trades", c.ScaledTrades),
			slog.Float64("scaled_profit", c.ScaledProfit),
			slog.Float64("single_profit", c.SingleProfit),
		)
	}
	a.logger.InfoContext(ctx, "backtest complete", attrs...)
	return nil
}
