package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offlinegate/internal/worker"
)

const ns = "offlinegate"

// Metrics holds the worker collectors
type Metrics struct {
	FetchCounter        *prom.CounterVec
	CacheWriteCounter   *prom.CounterVec
	InstallCounter      *prom.CounterVec
	StaleDeletedCounter prom.Counter

	registry *prom.Registry
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		FetchCounter: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: ns,
				Name:      "fetch_total",
				Help:      "intercepted fetches by how they were answered",
			},
			[]string{"result"},
		),
		CacheWriteCounter: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: ns,
				Name:      "cache_writes_total",
				Help:      "cache writes after a network miss",
			},
			[]string{"outcome"},
		),
		InstallCounter: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: ns,
				Name:      "installs_total",
				Help:      "worker install attempts",
			},
			[]string{"outcome"},
		),
		StaleDeletedCounter: prom.NewCounter(
			prom.CounterOpts{
				Namespace: ns,
				Name:      "stale_caches_deleted_total",
				Help:      "caches of superseded versions deleted at install",
			},
		),
		registry: prom.NewRegistry(),
	}
	m.registry.MustRegister(m.GetMetrics()...)
	return m
}

// GetMetrics returns every collector
func (m *Metrics) GetMetrics() []prom.Collector {
	return []prom.Collector{
		m.FetchCounter,
		m.CacheWriteCounter,
		m.InstallCounter,
		m.StaleDeletedCounter,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch counts one fetch
func (m *Metrics) ObserveFetch(result worker.Result) {
	m.FetchCounter.WithLabelValues(string(result)).Inc()
}

// ObserveCacheWrite counts one cache write
func (m *Metrics) ObserveCacheWrite(ok bool) {
	m.CacheWriteCounter.WithLabelValues(outcome(ok, "stored", "failed")).Inc()
}

// ObserveInstall counts one install attempt
func (m *Metrics) ObserveInstall(ok bool) {
	m.InstallCounter.WithLabelValues(outcome(ok, "ok", "failed")).Inc()
}

// ObserveStaleDeleted counts deleted stale caches
func (m *Metrics) ObserveStaleDeleted(n int) {
	m.StaleDeletedCounter.Add(float64(n))
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

var _ worker.Recorder = (*Metrics)(nil)
