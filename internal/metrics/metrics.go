// Package metrics exposes lending counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK              = "ok"
	OutcomeUnavailable     = "unavailable"
	OutcomeAlreadyBorrowed = "already_borrowed"
	OutcomeNotFound        = "not_found"
	OutcomeNotBorrowed     = "not_borrowed"
	OutcomeAlreadyReturned = "already_returned"
	OutcomeOverflow        = "overflow"
	OutcomeError           = "error"
)

// Recorder is the sink the lending engine reports into.
type Recorder interface {
	Observe(operation, outcome string)
	NegativeAvailability()
}

// Registry owns the service collectors on a private registry so tests can
// build as many as they like.
type Registry struct {
	reg        *prometheus.Registry
	operations *prometheus.CounterVec
	negative   prometheus.Counter
}

// New registers the lending collectors plus Go and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_lending_operations_total",
			Help: "Lending operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		negative: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_effective_availability_negative_total",
			Help: "Times effective availability was computed below zero.",
		}),
	}
	reg.MustRegister(
		r.operations,
		r.negative,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe counts one operation outcome.
func (r *Registry) Observe(operation, outcome string) {
	r.operations.WithLabelValues(operation, outcome).Inc()
}

// NegativeAvailability counts an inconsistent availability reading.
func (r *Registry) NegativeAvailability() {
	r.negative.Inc()
}

// Handler serves the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Nop discards observations.
type Nop struct{}

func (Nop) Observe(string, string) {}
func (Nop) NegativeAvailability()  {}
