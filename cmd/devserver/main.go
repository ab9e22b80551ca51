// Command devserver runs the chat handler on a local HTTP port with
// Prometheus metrics, for development outside Lambda.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"portfolio-chat/handler"
	"portfolio-chat/internal/app"
	"portfolio-chat/internal/config"
	"portfolio-chat/internal/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	svc, err := app.NewChatService(ctx, cfg)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h, err := handler.NewHandler(svc, handler.WithLogger(logger), handler.WithMetrics(metrics.NewChatMetrics(reg)))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.DevAddr,
		Handler:           newRouter(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("dev server listening", "addr", cfg.DevAddr, "model", cfg.Model)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("dev server failed", "err", err)
		os.Exit(1)
	}
}

func newRouter(chat http.Handler, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// The chat handler owns method handling so that 405 and OPTIONS follow
	// its contract rather than the router's.
	r.Handle("/api/chat", chat)
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
