package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("fb", reg)

	m.RecordEvaluation("partial")
	m.RecordEvaluation("partial")
	m.RecordLevelHit("1")
	m.RecordFallback()
	m.ObserveTick(0.01, 3)
	m.RecordPartialClose("ladder", true, 1, 120)
	m.RecordPartialClose("ladder", true, 2, -30)
	m.RecordPartialClose("atr_policy", false, 2, 0)
	m.RecordPriceUpdate("BTCUSDT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LevelsHit.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LadderFallbacks))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OpenPositions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PartialCloses.WithLabelValues("ladder", "filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartialCloses.WithLabelValues("atr_policy", "failed")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.RealizedProfit))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.RealizedLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriceUpdates.WithLabelValues("BTCUSDT")))
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	m := NewMetrics("fb", prometheus.NewRegistry())
	m.RecordExit("stop_loss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fb_exit_position_closes_total{reason="stop_loss"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEvaluation("hold")
		m.ObserveTick(1, 0)
		m.RecordLevelHit("2")
		m.RecordLevelSkipped("2")
		m.RecordFallback()
		m.RecordStopMove("breakeven")
		m.RecordExit("manual")
		m.RecordPartialClose("ladder", true, 1, 10)
		m.ObserveGateway("place_order", 0.1)
		m.RecordPriceUpdate("ETHUSDT")
	})
	assert.NotNil(t, m.Handler())
}
