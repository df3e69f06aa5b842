package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
)

// startDiagnostics serves the local-only debug surface: health, metrics and
// a view of the pending queue. It binds to loopback by default and carries
// no auth; it is for the developer menu, not for the network.
func (a *App) startDiagnostics(ctx context.Context) <-chan error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue", a.queueHandler).Methods(http.MethodGet)
	r.HandleFunc("/connectivity", a.connectivityHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	srv := &http.Server{Addr: a.cfg.Diagnostics.Address, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics_listening", "addr", a.cfg.Diagnostics.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	return errCh
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"version":     a.version,
		"queue_depth": a.queue.Len(),
	})
}

// queueHandler answers "how many messages are waiting to send, and which".
func (a *App) queueHandler(w http.ResponseWriter, _ *http.Request) {
	pending, err := a.queue.PeekAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"depth":   len(pending),
		"actions": pending,
	})
}

func (a *App) connectivityHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.monitor.Current())
}
