package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prom.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "|" + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveOperation("update", 150*time.Millisecond, ResultSuccess)
	pr.ObserveOperation("update", time.Second, ResultFailed)
	pr.IncDownload(ResultSuccess, 1024)
	pr.IncDownload(ResultCached, 0)
	pr.IncPlan("update")
	pr.SetInstalledVersion("1.0.0")
	pr.SetInstalledVersion("1.1.0")

	got := gather(t, reg)
	assert.Equal(t, 1.0, got["relsyncd_operations_total|operation=update|result=success"])
	assert.Equal(t, 1.0, got["relsyncd_operations_total|operation=update|result=failed"])
	assert.Equal(t, 2.0, got["relsyncd_operation_duration_seconds|operation=update"])
	assert.Equal(t, 1024.0, got["relsyncd_download_bytes_total"])
	assert.Equal(t, 1.0, got["relsyncd_downloads_total|result=cached"])
	assert.Equal(t, 1.0, got["relsyncd_plans_total|kind=update"])
	assert.Equal(t, 1.0, got["relsyncd_installed_version_info|version=1.1.0"])
	_, stale := got["relsyncd_installed_version_info|version=1.0.0"]
	assert.False(t, stale)
}

func TestPrometheusRecorder_NilSafe(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.ObserveOperation("check", time.Second, ResultSuccess)
		pr.IncDownload(ResultSuccess, 1)
		pr.IncPlan("noop")
		pr.SetInstalledVersion("1.0")
	})

	var r Recorder = NoopRecorder{}
	assert.NotPanics(t, func() {
		r.ObserveOperation("check", time.Second, ResultSuccess)
	})
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncPlan("noop")

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `relsyncd_plans_total{kind="noop"} 1`)
}
