package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"petdose/internal/api"
	"petdose/internal/config"
	"petdose/internal/domain"
	"petdose/internal/scheduler"
	"petdose/internal/storage"
	"petdose/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional, PETDOSE_* env vars override it)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg.Log)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := storage.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := storage.NewSQLiteRepo(db)

	dispatcher := webhook.New(repo, webhook.Options{
		Timeout:      cfg.Webhook.Timeout,
		Default:      domain.Destination{URL: cfg.Webhook.URL, Secret: cfg.Webhook.Secret},
		SecretHeader: cfg.Webhook.SecretHeader,
	})
	if cfg.Webhook.URL == "" {
		log.Warn().Msg("no default webhook configured, reminders without their own URL will be skipped")
	}

	sched := scheduler.NewService(repo, dispatcher, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Lookahead:    cfg.Scheduler.Lookahead,
		SweepSpec:    cfg.Scheduler.SweepSpec,
		Workers:      cfg.Scheduler.Workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := sched.Resync(ctx); err != nil {
		log.Error().Err(err).Msg("initial resync failed")
	}
	if cfg.Scheduler.Autostart {
		if err := sched.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start scheduler")
		}
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(repo, sched)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	select {
	case <-sched.Stop():
	case <-ctxTimeout.Done():
		log.Warn().Msg("scheduler did not drain before timeout")
	}
	cancel()
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
