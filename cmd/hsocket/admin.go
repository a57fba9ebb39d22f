package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"hsocket/pkg/observability"
)

// adminRouter serves /metrics and /healthz.
func adminRouter(m *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// startAdmin runs the admin endpoint until ctx is done.
func startAdmin(ctx context.Context, addr string, m *observability.Metrics, log *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: adminRouter(m), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("admin endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin endpoint failed", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
}
