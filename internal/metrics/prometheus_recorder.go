package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relsyncd"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	operations       *prom.CounterVec
	operationSeconds *prom.HistogramVec
	downloads        *prom.CounterVec
	downloadBytes    prom.Counter
	plans            *prom.CounterVec
	installed        *prom.GaugeVec

	mu      sync.Mutex
	current string
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Update operations by outcome",
		}, []string{"operation", "result"}),
		operationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of update operations",
			Buckets:   prom.DefBuckets,
		}, []string{"operation"}),
		downloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Package downloads by outcome",
		}, []string{"result"}),
		downloadBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of packages downloaded",
		}),
		plans: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Computed update plans by kind",
		}, []string{"kind"}),
		installed: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "installed_version_info",
			Help:      "Currently installed release, value is always 1",
		}, []string{"version"}),
	}
	reg.MustRegister(pr.operations, pr.operationSeconds, pr.downloads, pr.downloadBytes, pr.plans, pr.installed)
	return pr
}

func (p *PrometheusRecorder) ObserveOperation(operation string, d time.Duration, result Result) {
	if p == nil || p.operations == nil {
		return
	}
	p.operations.WithLabelValues(operation, string(result)).Inc()
	p.operationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDownload(result Result, bytes int64) {
	if p == nil || p.downloads == nil {
		return
	}
	p.downloads.WithLabelValues(string(result)).Inc()
	if result == ResultSuccess && bytes > 0 {
		p.downloadBytes.Add(float64(bytes))
	}
}

func (p *PrometheusRecorder) IncPlan(kind string) {
	if p == nil || p.plans == nil {
		return
	}
	p.plans.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) SetInstalledVersion(version string) {
	if p == nil || p.installed == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == version {
		return
	}
	if p.current != "" {
		p.installed.DeleteLabelValues(p.current)
	}
	p.current = version
	if version != "" {
		p.installed.WithLabelValues(version).Set(1)
	}
}

// HTTPHandler serves the metrics registered in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
