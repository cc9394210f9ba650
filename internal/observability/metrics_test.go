package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.CounterIncrements.Add(3)
	a.CollectionsTotal.WithLabelValues(ResultError, "PROCESS_DIED").Inc()

	assert.Equal(t, 3.0, counterValue(t, a.CounterIncrements))
	assert.Equal(t, 0.0, counterValue(t, b.CounterIncrements))
	assert.Equal(t, 1.0, counterValue(t, a.CollectionsTotal.WithLabelValues(ResultError, "PROCESS_DIED")))

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tasker_counter_increments_total"])
	assert.True(t, names["tasker_reporter_collections_total"])
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "", "console")
	require.NoError(t, err)
	logger.Debug("hello")

	_, err = NewLogger("loud", "", "json")
	require.Error(t, err)

	_, err = NewLogger("info", "", "xml")
	require.Error(t, err)
}

func TestMetricsServe(t *testing.T) {
	m := NewMetrics()
	m.ReporterIterations.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tasker_reporter_iterations_total 1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics listener did not stop")
	}
}
