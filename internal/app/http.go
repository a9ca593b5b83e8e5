package app

import (
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantarax/dtp/internal/observability"
)

// NewObservabilityServer exposes /metrics, /health and /debug/pprof on addr.
func NewObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/health", health.Handler()).Methods(http.MethodGet)

	debug := r.PathPrefix("/debug/pprof").Subrouter()
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").HandlerFunc(pprof.Index)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serveObservability(srv *http.Server, logger *observability.Logger) {
	logger.Info("observability server listening on " + srv.Addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "observability server error")
	}
}
