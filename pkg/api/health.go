package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
)

// OpsServer is the operations listener: liveness, readiness, and the
// Prometheus scrape endpoint. It binds separately from the API so the
// caller surface can be exposed without the internals.
type OpsServer struct {
	mux  *http.ServeMux
	http *http.Server
}

// NewOpsServer builds the ops listener on addr.
func NewOpsServer(addr string) *OpsServer {
	mux := http.NewServeMux()
	os := &OpsServer{mux: mux}

	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())

	os.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return os
}

// Start begins serving and blocks until the listener closes.
func (os *OpsServer) Start() error {
	lg := log.WithComponent("ops")
	lg.Info().Str("addr", os.http.Addr).Msg("Ops listening")
	err := os.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (os *OpsServer) Stop(ctx context.Context) error {
	return os.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (os *OpsServer) Handler() http.Handler {
	return os.mux
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
