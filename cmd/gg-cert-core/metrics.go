package main

import (
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecore/gg-cert-core/metrics"
)

// serveDebugEndpoints exposes reg on 127.0.0.1:8080/metrics, timing requests to
// the debug surface through scope the same way boulder's
// cmd.DebugServer times its own pprof/metrics debug endpoints.
func serveDebugEndpoints(reg *prometheus.Registry, scope metrics.Scope) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler := metrics.NewDebugHandler(mux, clock.Default(), scope)
	go http.ListenAndServe("127.0.0.1:8080", handler) //nolint:errcheck
}
