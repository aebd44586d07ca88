// Package metrics exposes examseal counters, gauges and histograms through
// a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "examseal"

// DurationBuckets suits operations between a millisecond and a minute.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Registry is a private Prometheus registry. Metrics registered here never
// leak into prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// WithProcessCollectors adds the Go runtime and process collectors.
func (r *Registry) WithProcessCollectors() *Registry {
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registerer returns the registerer metrics are attached to.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer returns the gatherer backing the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// HTTPHandler serves the registry in the Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:      r.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}
