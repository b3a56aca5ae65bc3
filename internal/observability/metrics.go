// Package observability provides Prometheus metrics for the exit engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Decision loop
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	OpenPositions      prometheus.Gauge

	// Ladder and exit policy
	LevelsHit       *prometheus.CounterVec
	LevelsSkipped   *prometheus.CounterVec
	LadderFallbacks prometheus.Counter
	StopMoves       *prometheus.CounterVec
	ExitReasons     *prometheus.CounterVec

	// Execution
	PartialCloses  *prometheus.CounterVec
	CloseAttempts  prometheus.Histogram
	GatewayLatency *prometheus.HistogramVec
	RealizedProfit prometheus.Counter
	RealizedLoss   prometheus.Counter

	// Feeds
	PriceUpdates *prometheus.CounterVec
}

// NewMetrics registers all metrics on reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "futuresbot"
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		EvaluationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Position evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one decision loop tick",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "open_positions",
			Help:      "Open positions under management",
		}),

		LevelsHit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ladder",
			Name:      "levels_hit_total",
			Help:      "Take-profit levels consumed by level number",
		}, []string{"level"}),
		LevelsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ladder",
			Name:      "levels_skipped_total",
			Help:      "Reached levels skipped for being below minimum order size",
		}, []string{"level"}),
		LadderFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ladder",
			Name:      "fallbacks_total",
			Help:      "Positions that fell back to a single take-profit",
		}),
		StopMoves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "stop_moves_total",
			Help:      "Protective stop moves by reason",
		}, []string{"reason"}),
		ExitReasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "position_closes_total",
			Help:      "Closed positions by exit reason",
		}, []string{"reason"}),

		PartialCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "partial_closes_total",
			Help:      "Partial close executions by source and result",
		}, []string{"source", "result"}),
		CloseAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "close_attempts",
			Help:      "Attempts used per partial close",
			Buckets:   []float64{1, 2, 3, 5},
		}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "gateway_latency_seconds",
			Help:      "Exchange gateway call latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"call"}),
		RealizedProfit: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "realized_profit_total",
			Help:      "Sum of positive realized profit from partial closes",
		}),
		RealizedLoss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "realized_loss_total",
			Help:      "Sum of absolute realized losses from partial closes",
		}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "price_updates_total",
			Help:      "Mark price updates received by symbol",
		}, []string{"symbol"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordEvaluation counts one position evaluation.
func (m *Metrics) RecordEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTick records the duration of one decision loop pass.
func (m *Metrics) ObserveTick(seconds float64, open int) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(seconds)
	m.OpenPositions.Set(float64(open))
}

// RecordLevelHit counts a consumed ladder level.
func (m *Metrics) RecordLevelHit(level string) {
	if m == nil {
		return
	}
	m.LevelsHit.WithLabelValues(level).Inc()
}

// RecordLevelSkipped counts a below-minimum skip.
func (m *Metrics) RecordLevelSkipped(level string) {
	if m == nil {
		return
	}
	m.LevelsSkipped.WithLabelValues(level).Inc()
}

// RecordFallback counts a ladder fallback.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.LadderFallbacks.Inc()
}

// RecordStopMove counts a stop adjustment.
func (m *Metrics) RecordStopMove(reason string) {
	if m == nil {
		return
	}
	m.StopMoves.WithLabelValues(reason).Inc()
}

// RecordExit counts a closed position.
func (m *Metrics) RecordExit(reason string) {
	if m == nil {
		return
	}
	m.ExitReasons.WithLabelValues(reason).Inc()
}

// RecordPartialClose records one execution outcome.
func (m *Metrics) RecordPartialClose(source string, success bool, attempts int, profit float64) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "filled"
	}
	m.PartialCloses.WithLabelValues(source, result).Inc()
	m.CloseAttempts.Observe(float64(attempts))
	if !success {
		return
	}
	if profit >= 0 {
		m.RealizedProfit.Add(profit)
	} else {
		m.RealizedLoss.Add(-profit)
	}
}

// ObserveGateway records a gateway call duration.
func (m *Metrics) ObserveGateway(call string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayLatency.WithLabelValues(call).Observe(seconds)
}

// RecordPriceUpdate counts a mark price tick.
func (m *Metrics) RecordPriceUpdate(symbol string) {
	if m == nil {
		return
	}
	m.PriceUpdates.WithLabelValues(symbol).Inc()
}
