package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/config"
	"github.com/punchamoorthee/mentorledger/internal/logging"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Currency:                   "INR",
		TopupMinMinor:              100,
		TopupMaxMinor:              1_000_000,
		SettlementHold:             time.Hour,
		SettlementInterval:         time.Hour,
		IdempotencyLeaseTTL:        time.Minute,
		IdempotencyRetention:       time.Hour,
		IdempotencyCleanupInterval: time.Hour,
		LockTimeout:                time.Second,
		RetryMax:                   2,
		RetryBaseDelay:             time.Millisecond,
		RetryMaxDelay:              10 * time.Millisecond,
	}
}

func TestNewInMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(), prometheus.NewRegistry(), logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &store.Memory{}, a.Store)

	a.StartWorkers(ctx)
	res, err := a.Service.Topup(ctx, processor.TopupRequest{
		UserID: "stu", Amount: 500, Gateway: "upi", GatewayID: "g1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	w, err := a.Service.GetWallet(ctx, "stu")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Available)
}

func TestNewWithRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddress = mr.Addr()
	ctx := context.Background()

	a, err := New(ctx, cfg, prometheus.NewRegistry(), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Service.Topup(ctx, processor.TopupRequest{
		UserID: "stu", Amount: 500, Gateway: "upi", GatewayID: "g1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	_, err = a.Service.Reserve(ctx, processor.ReserveRequest{
		UserID: "stu", SessionID: "s1", Amount: 200, IdempotencyKey: "k2",
	})
	require.NoError(t, err)
}

func TestNewRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RedisAddress = "127.0.0.1:1"
	_, err := New(context.Background(), cfg, prometheus.NewRegistry(), logging.Discard())
	assert.Error(t, err)
}
