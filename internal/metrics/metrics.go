// Package metrics exposes the lightweight, ambient-but-optional counters and
// gauge SPEC_FULL.md's AMBIENT STACK names: HTTP requests by application and
// status class, capability calls by namespace and operation, and the count
// of currently sticky-faulted applications. Kept minimal since metrics are
// not a named spec module — this wraps github.com/prometheus/client_golang
// the way the teacher's infrastructure/metrics package does (a small
// registry of named collectors, Handler() for the scrape endpoint), without
// building out a full metrics subsystem this core doesn't need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Registry holds the counters and gauges this core reports.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	CapabilityOps *prometheus.CounterVec
	AppsFaulted   prometheus.Gauge
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniapp_host_http_requests_total",
			Help: "HTTP requests routed to an application, by application and status class.",
		}, []string{"application", "status"}),
		CapabilityOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniapp_host_capability_calls_total",
			Help: "Capability operations invoked by guests, by namespace and operation.",
		}, []string{"namespace", "operation"}),
		AppsFaulted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miniapp_host_applications_faulted",
			Help: "Number of applications currently in the sticky-faulted state.",
		}),
	}

	reg.MustRegister(r.HTTPRequests, r.CapabilityOps, r.AppsFaulted)
	return r
}

// Handler returns the HTTP handler the supervisor mounts for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
