package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncTransition("ok")
	m.IncGateBlock("SERVICE_DAY")
	m.IncAlertCreated("QUIET", "medium")
	m.AddAlertsDeduplicated(3)
	m.IncAlertResolved("QUIET")
	m.ObserveSweep(time.Second, 4)
	m.IncRelayDelivery("webhook:0", "ok")
	assert.NotNil(t, m.Handler())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.IncTransition("blocked")
	m.IncTransition("blocked")
	m.IncGateBlock("SERVICE_DAY")
	m.AddAlertsDeduplicated(2)
	m.AddAlertsDeduplicated(0)
	m.ObserveSweep(50*time.Millisecond, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateBlocks.WithLabelValues("SERVICE_DAY")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsDeduplicated))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SweepCases))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `caseflow_gate_blocks_total{stage="SERVICE_DAY"} 1`))
}
