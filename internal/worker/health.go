package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HealthServer exposes GET /healthz returning 200 "ok" while the worker's
// hub connection is up, 503 otherwise. The pool manager probes it.
type HealthServer struct {
	worker *Worker
	server *http.Server
}

// NewHealthServer builds the probe endpoint on port.
func NewHealthServer(w *Worker, port int) *HealthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.Connected() {
			rw.WriteHeader(http.StatusOK)
			fmt.Fprint(rw, "ok")
			return
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(rw, "disconnected")
	})
	return &HealthServer{
		worker: w,
		server: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
	}
}

// ListenAndServe blocks serving health probes.
func (h *HealthServer) ListenAndServe() error {
	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the probe endpoint.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}
