package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"concretepool/internal/api"
	"concretepool/internal/buildinfo"
	"concretepool/internal/config"
	"concretepool/internal/logging"
	"concretepool/internal/opt"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	log := logging.FromEnv()

	path := os.Getenv("POOL_CONFIG")
	if path == "" {
		if _, err := os.Stat("config/pool.yaml"); err == nil {
			path = "config/pool.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("load engine config")
	}
	engine, err := opt.NewEngine(cfg, opt.WithLogger(log.With().Str("component", "engine").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("init engine")
	}
	srvDeps, err := api.NewServer(engine, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init server")
	}
	defer func() { _ = srvDeps.Close() }()

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           srvDeps.Handler(api.NewRateLimiterFromEnv()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	worker := srvDeps.NewWebhookWorker()
	worker.Start()
	defer close(worker.Stop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Info().Str("addr", addr).Str("version", buildinfo.String()).
			Str("config", path).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
