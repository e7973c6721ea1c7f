package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/mentorledger/internal/api"
	"github.com/punchamoorthee/mentorledger/internal/app"
	"github.com/punchamoorthee/mentorledger/internal/config"
	"github.com/punchamoorthee/mentorledger/internal/logging"
)

func main() {
	log := logging.NewLoggerWithService("mentorledger-api")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	log.Logger.SetLevel(logging.LevelFromString(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := app.New(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise ledger")
	}
	defer ledger.Close()
	ledger.StartWorkers(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(ledger.Service, log)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
