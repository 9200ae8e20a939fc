package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/sykell/url-monitor/internal/api"
	"github.com/sykell/url-monitor/internal/classifier"
	"github.com/sykell/url-monitor/internal/config"
	"github.com/sykell/url-monitor/internal/crawler"
	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/logger"
	"github.com/sykell/url-monitor/internal/notify"
	"github.com/sykell/url-monitor/internal/scheduler"
	"github.com/sykell/url-monitor/internal/service"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	log.Info().Str("driver", cfg.Database.Driver).Msg("Initializing database...")
	dbConn, err := db.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	rules, err := classifier.LoadRules(cfg.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("Failed to load classification rules")
	}
	log.Info().Int("rules", len(rules)).Msg("Classification rules loaded")

	jobs := service.NewJobService(dbConn, service.WithDefaultWebhook(cfg.Webhook.DefaultURL))
	sched := scheduler.New(
		jobs,
		crawler.NewFetcher(cfg.Fetch),
		classifier.New(rules),
		cfg.Scheduler,
		scheduler.WithNotifier(notify.NewNotifier(cfg.Webhook.Config)),
	)
	jobs.SetRunner(sched)

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	gin.SetMode(gin.ReleaseMode)
	r := api.NewRouter(dbConn, jobs, cfg.Auth)
	if !cfg.Auth.Enabled() {
		log.Warn().Msg("JWT_SECRET is not set, the API is served without authentication")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight checks are recorded as interrupted
	sched.Stop()

	log.Info().Msg("Server exited")
}
