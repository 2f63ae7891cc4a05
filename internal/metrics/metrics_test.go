package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-prognosis/internal/outcome"
)

func TestCollector(t *testing.T) {
	c := NewCollector(10 * time.Second)
	c.ObserveMatch(outcome.OK)
	c.ObserveMatch(outcome.AmbiguousMatch)
	c.ObserveMatch(outcome.AmbiguousMatch)
	c.SamplesReceived.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Matches.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Matches.WithLabelValues("ambiguous_match")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.PrognosisInterval))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "prognosis_samples_received_total 3")
}
