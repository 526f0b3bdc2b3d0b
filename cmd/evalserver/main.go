// Command evalserver shares one evaluation stack with remote self-play
// workers over websocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brensch/gozero/config"
	"github.com/brensch/gozero/executor/inference"
	"github.com/brensch/gozero/executor/predictor"
	"github.com/brensch/gozero/executor/remote"
	"github.com/brensch/gozero/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type statsResponse struct {
	Model   string                 `json:"model"`
	Runtime inference.RuntimeStats `json:"runtime"`
	Remote  remote.HandlerStats    `json:"remote"`
}

func newRouter(stack *predictor.Stack, h *remote.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/evaluate", h)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{
			Model:   stack.Name(),
			Runtime: stack.Stats(),
			Remote:  h.Stats(),
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func main() {
	configPath := flag.String("config", "", "Config file; model_dir, sessions and batch settings are used")
	addr := flag.String("addr", ":8090", "Listen address")
	logFormat := flag.String("log-format", logging.FormatConsole, "console, json or pretty")
	flag.Parse()

	src, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := *src.Snapshot()
	logging.MustSetup(cfg.LogLevel, *logFormat)
	if cfg.RemoteURL != "" {
		log.Fatal().Msg("evalserver cannot itself evaluate remotely; unset remote_url")
	}
	// Clients cache on their side.
	cfg.CacheSize = 0

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := predictor.Build(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build evaluation stack")
	}
	defer stack.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(stack, remote.NewHandler(stack.Batching())),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Str("model", stack.Name()).Msg("evalserver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
