// Package app assembles the ledger from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/mentorledger/internal/clock"
	"github.com/punchamoorthee/mentorledger/internal/config"
	"github.com/punchamoorthee/mentorledger/internal/events"
	"github.com/punchamoorthee/mentorledger/internal/idempotency"
	"github.com/punchamoorthee/mentorledger/internal/lockmgr"
	"github.com/punchamoorthee/mentorledger/internal/metrics"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/query"
	"github.com/punchamoorthee/mentorledger/internal/registry"
	"github.com/punchamoorthee/mentorledger/internal/service"
	"github.com/punchamoorthee/mentorledger/internal/settlement"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

const cleanupBatchSize = 1000

type App struct {
	Config     *config.Config
	Store      store.Store
	Service    *service.WalletService
	Guard      *idempotency.Guard
	Settlement *settlement.Worker
	Metrics    *metrics.Metrics

	closers []func()
}

// New builds every component. A Postgres store is used when DB_SOURCE is
// set, otherwise everything lives in memory. Redis locks and Kafka events
// are enabled by their addresses.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.NewMetrics(reg)}

	if cfg.DBSource != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Store = pg
		log.Info("using postgres ledger store")
	} else {
		a.Store = store.NewMemory()
		log.Warn("DB_SOURCE not set, using in-memory ledger store")
	}

	var locks lockmgr.Manager = lockmgr.NewLocal(cfg.LockTimeout)
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		locks = lockmgr.NewRedis(client, lockmgr.RedisOptions{Timeout: cfg.LockTimeout})
		log.WithField("address", cfg.RedisAddress).Info("using redis locks")
	}

	var publisher processor.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, k.Close)
		publisher = k
		log.WithField("topic", cfg.KafkaTopic).Info("publishing ledger events to kafka")
	}

	clk := clock.RealClock{}
	a.Guard = idempotency.NewGuard(a.Store, clk, idempotency.Options{
		LeaseTTL:  cfg.IdempotencyLeaseTTL,
		Wait:      cfg.IdempotencyWait,
		Retention: cfg.IdempotencyRetention,
	}, log, a.Metrics)

	accounts := registry.New(a.Store, cfg.Currency)
	p := processor.New(processor.Config{
		Currency:       cfg.Currency,
		TopupMin:       cfg.TopupMinMinor,
		TopupMax:       cfg.TopupMaxMinor,
		SettlementHold: cfg.SettlementHold,
		RetryMax:       cfg.RetryMax,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, processor.Deps{
		Store:     a.Store,
		Registry:  accounts,
		Guard:     a.Guard,
		Locks:     locks,
		Clock:     clk,
		Log:       log,
		Observer:  a.Metrics,
		Publisher: publisher,
	})
	a.Service = service.NewWalletService(p, accounts, query.New(a.Store))
	a.Settlement = settlement.NewWorker(a.Store, a.Service, clk, settlement.Options{Hold: cfg.SettlementHold}, log, a.Metrics)
	return a, nil
}

// StartWorkers runs the idempotency cleanup and settlement loops until ctx
// is done.
func (a *App) StartWorkers(ctx context.Context) {
	a.Guard.StartCleanupWorker(ctx, a.Config.IdempotencyCleanupInterval, cleanupBatchSize)
	a.Settlement.Start(ctx, a.Config.SettlementInterval)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
