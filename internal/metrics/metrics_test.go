package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.VaultOp("store", nil)
	m.VaultOp("store", errors.New("boom"))
	m.VaultOp("store", nil)
	m.ProviderCall("CreateIdentity", nil)
	m.VerificationChecked("verified", 120*time.Millisecond)
	m.AuditFailed()
	m.SetPending(7)

	assert.InDelta(t, 2, testutil.ToFloat64(m.VaultOps.WithLabelValues("store", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.VaultOps.WithLabelValues("store", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("CreateIdentity", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.VerificationOutcome.WithLabelValues("verified")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AuditFailures), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.PendingDomains), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.CheckLatency))
}

func TestMetrics_DomainExpiredSkipsLatency(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.VerificationChecked("pending", 200*time.Millisecond)
	m.DomainExpired()
	m.DomainExpired()

	assert.InDelta(t, 2, testutil.ToFloat64(m.VerificationOutcome.WithLabelValues("expired")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.VerificationOutcome.WithLabelValues("pending")), 0)

	var out dto.Metric
	require.NoError(t, m.CheckLatency.Write(&out))
	assert.Equal(t, uint64(1), out.GetHistogram().GetSampleCount(), "only real checks are timed")
	assert.InDelta(t, 0.2, out.GetHistogram().GetSampleSum(), 1e-9)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.VaultOp("store", nil)
		m.ProviderCall("DeleteIdentity", errors.New("x"))
		m.VerificationChecked("pending", time.Second)
		m.DomainExpired()
		m.AuditFailed()
		m.SetPending(1)
	})
}
