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

func TestRecordOperations(t *testing.T) {
	m := NewExamsealMetrics(NewRegistry())

	m.RecordSeal(20*time.Millisecond, true)
	m.RecordSeal(5*time.Millisecond, false)
	m.RecordRelease(true)
	m.RecordDecrypt(time.Second, true)
	m.RecordDownload()
	m.RecordIntegrity(false)
	m.RecordChainVerification(false)
	m.RecordChainVerification(true)
	m.RecordPermissionDenied("release")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SealsTotal.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SealsTotal.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("seal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleasesTotal.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecryptsTotal.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationsTotal.WithLabelValues("chain", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionDeniedTotal.WithLabelValues("release")))
}

func TestRecordSweepSetsGauges(t *testing.T) {
	m := NewExamsealMetrics(NewRegistry())

	m.RecordSweep(2, 7)
	m.RecordSweep(0, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingReleases))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CatalogExams))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *ExamsealMetrics
	assert.NotPanics(t, func() {
		m.RecordSeal(time.Second, true)
		m.RecordRelease(false)
		m.RecordDecrypt(time.Second, false)
		m.RecordDownload()
		m.RecordScramble("scramble", time.Second)
		m.RecordIntegrity(false)
		m.RecordChainVerification(false)
		m.RecordPermissionDenied("seal")
		m.RecordError("seal")
		m.RecordSweep(1, 1)
		m.UpdateUptime()
	})
}

func TestRegistriesAreIsolated(t *testing.T) {
	// Registering the same names twice must not collide across registries.
	a := NewExamsealMetrics(NewRegistry())
	b := NewExamsealMetrics(NewRegistry())
	a.RecordDownload()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DownloadsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DownloadsTotal))
}

func TestHTTPHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewExamsealMetrics(reg)
	m.RecordScramble("scramble", 30*time.Millisecond)
	m.UpdateUptime()

	srv := httptest.NewServer(reg.HTTPHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `examseal_scramble_duration_seconds_count{direction="scramble"} 1`), text)
	assert.Contains(t, text, "examseal_uptime_seconds")
}
