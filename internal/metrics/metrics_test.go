package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRouted("plan:edit")
	m.ObserveRouted("plan:edit")
	m.ObservePush("web", "delivered")
	m.ObservePush("android", "permanent")
	m.ObservePruned("android")
	m.ObserveLive(3)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.ObserveBatch("web", 20*time.Millisecond)
	m.ObserveJobDropped("queue_full")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Routed.WithLabelValues("plan:edit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushOutcomes.WithLabelValues("android", "permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensPruned.WithLabelValues("android")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LiveDeliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BatchDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsDropped.WithLabelValues("queue_full")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRouted("x")
	m.ObservePush("web", "delivered")
	m.SessionOpened()
	m.SetQueueDepth(4)
	m.ObserveJobDropped("stopped")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveDropped()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eventful_routed_changes_dropped_total 1"))
}
