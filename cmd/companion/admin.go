package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminRouter serves Prometheus metrics from g and a liveness probe.
func newAdminRouter(g prometheus.Gatherer, ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !ready() {
			http.Error(w, "not listening", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return r
}
