package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_HandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.DispatchOutcomes.WithLabelValues("sent", "manual").Inc()
	m.DispatchOutcomes.WithLabelValues("failed", "scheduler").Add(2)
	m.TickDuration.Observe(0.25)
	m.TickDue.Observe(3)
	m.StaleClaimsSwept.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `uplift_notify_dispatch_outcomes_total{outcome="sent",trigger="manual"} 1`)
	assert.Contains(t, body, `uplift_notify_dispatch_outcomes_total{outcome="failed",trigger="scheduler"} 2`)
	assert.Contains(t, body, "uplift_notify_scheduler_tick_duration_seconds_count 1")
	assert.Contains(t, body, "uplift_notify_stale_claims_swept_total 1")
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.StaleClaimsSwept.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "uplift_notify_stale_claims_swept_total") {
			assert.Equal(t, "uplift_notify_stale_claims_swept_total 0", line)
		}
	}
}
