package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Vote(OutcomeRecorded)
	m.SubmitRetry()
	m.PollAttempt()
	m.PollError()
	m.VKRegistration(true)
	m.StatusChanged("READY")
	m.VerificationFinished(time.Second)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Vote(OutcomeRecorded)
	m.Vote(OutcomeRecorded)
	m.Vote(OutcomeConflict)
	m.SubmitRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.votes.WithLabelValues(OutcomeRecorded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.votes.WithLabelValues(OutcomeConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitRetries))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.PollAttempt()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "polypay_verifier_poll_attempts_total 1")
}
