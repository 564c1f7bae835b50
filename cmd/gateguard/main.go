package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AlexKimmel/GateGuard/internal/config"
	"github.com/AlexKimmel/GateGuard/internal/obs"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	signSubject := flag.String("sign-token", "", "print a JWT for this subject and exit")
	signTTL := flag.Duration("sign-ttl", 24*time.Hour, "lifetime of the token printed by -sign-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := obs.SetupLogger("error")
		l.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	if *signSubject != "" {
		tok, err := signToken(cfg.Auth, *signSubject, *signTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("sign token")
		}
		fmt.Println(tok)
		return
	}
	if cfg.Observability.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.RateLimiter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limit store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close rate limit store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := newHandler(cfg, store, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build handler")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.Server.Mode).
			Bool("rate_limiter", cfg.RateLimiter.Enabled).
			Str("store", cfg.RateLimiter.Store).
			Int("points", cfg.RateLimiter.Points).
			Int("points_authenticated", cfg.RateLimiter.PointsAuthenticated).
			Dur("window", cfg.RateLimiter.Window()).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}
