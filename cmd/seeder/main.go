package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/mentorledger/internal/app"
	"github.com/punchamoorthee/mentorledger/internal/config"
	"github.com/punchamoorthee/mentorledger/internal/logging"
	"github.com/punchamoorthee/mentorledger/internal/processor"
)

var (
	totalStudents  int
	initialBalance int64
)

func init() {
	flag.IntVar(&totalStudents, "students", 1000, "Number of demo students to fund")
	flag.Int64Var(&initialBalance, "balance", 1_000_000, "Initial balance per student in minor units")
}

func main() {
	flag.Parse()
	log := logging.NewLoggerWithService("mentorledger-seeder")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.DBSource == "" {
		log.Fatal("DB_SOURCE is required for seeding")
	}

	ctx := context.Background()
	ledger, err := app.New(ctx, cfg, prometheus.NewRegistry(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise ledger")
	}
	defer ledger.Close()

	log.WithField("students", totalStudents).Info("seeding demo wallets")
	var created, replayed int
	for i := 1; i <= totalStudents; i++ {
		user := fmt.Sprintf("student-%04d", i)
		// Deterministic keys make re-runs replay instead of double funding.
		res, err := ledger.Service.Topup(ctx, processor.TopupRequest{
			UserID:         user,
			Amount:         initialBalance,
			Gateway:        "seed",
			GatewayID:      "seed-" + user,
			IdempotencyKey: "seed_topup_" + user,
		})
		if err != nil {
			log.WithError(err).WithField("user_id", user).Fatal("seed topup failed")
		}
		if res.Replayed {
			replayed++
		} else {
			created++
		}
	}
	log.WithField("created", created).WithField("replayed", replayed).Info("seeding complete")
}
