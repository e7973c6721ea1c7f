package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/idempotency"
	"github.com/punchamoorthee/mentorledger/internal/lockmgr"
	"github.com/punchamoorthee/mentorledger/internal/logging"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/registry"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

const hold = 72 * time.Hour

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	mem *store.Memory
	reg *registry.Registry
	p   *processor.Processor
	clk *manualClock
	w   *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemory()
	log := logging.Discard()
	clk := &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.New(mem, "INR")
	p := processor.New(processor.Config{Currency: "INR", SettlementHold: hold}, processor.Deps{
		Store:    mem,
		Registry: reg,
		Guard:    idempotency.NewGuard(mem, clk, idempotency.Options{LeaseTTL: time.Minute}, log, nil),
		Locks:    lockmgr.NewLocal(time.Second),
		Clock:    clk,
		Log:      log,
	})
	w := NewWorker(mem, p, clk, Options{Hold: hold, BatchSize: 10}, log, nil)
	return &env{mem: mem, reg: reg, p: p, clk: clk, w: w}
}

func (e *env) capture(t *testing.T, session string, total int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.p.Topup(ctx, processor.TopupRequest{
		UserID: "stu", Amount: total, Gateway: "upi", GatewayID: "gw_" + session, IdempotencyKey: "topup_" + session,
	})
	require.NoError(t, err)
	_, err = e.p.Reserve(ctx, processor.ReserveRequest{
		UserID: "stu", SessionID: session, Amount: total, IdempotencyKey: "reserve_" + session,
	})
	require.NoError(t, err)
	_, err = e.p.CompleteSession(ctx, processor.CompleteSessionRequest{
		SessionID: session, StudentID: "stu", MentorID: "men", TotalAmount: total,
		FeePercent: decimal.RequireFromString("0.1"), IdempotencyKey: "capture_" + session,
	})
	require.NoError(t, err)
}

func TestRunOnceReleasesDueSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.capture(t, "s1", 1000)
	e.clk.Advance(time.Hour)
	e.capture(t, "s2", 2000)

	n, err := e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is due before the hold elapses")

	e.clk.Advance(hold - 30*time.Minute)
	n, err = e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only s1 is past its hold")

	e.clk.Advance(time.Hour)
	n, err = e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := e.reg.MentorWallet(ctx, "men")
	require.NoError(t, err)
	assert.Equal(t, int64(900+1800), m.Available)
	assert.Equal(t, int64(0), m.Locked)

	n, err = e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnceAfterPartialManualRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.capture(t, "s1", 1000)
	e.clk.Advance(hold)

	_, err := e.p.ReleaseMentorEarnings(ctx, processor.MentorReleaseRequest{
		MentorID: "men", SessionID: "s1", Amount: 300, IdempotencyKey: "manual",
	})
	require.NoError(t, err)

	n, err := e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := e.reg.MentorWallet(ctx, "men")
	require.NoError(t, err)
	assert.Equal(t, int64(900), m.Available)
	assert.Equal(t, int64(0), m.Locked)

	legs, err := e.mem.SessionTransactions(ctx, "s1")
	require.NoError(t, err)
	last := legs[len(legs)-1]
	assert.Equal(t, domain.TxMentorRelease, last.Type)
	assert.Equal(t, int64(600), last.Amount)
	assert.Equal(t, "settle_s1_300", last.IdempotencyKey)
}

type failingReleaser struct {
	mu    sync.Mutex
	calls []string
}

func (f *failingReleaser) ReleaseMentorEarnings(_ context.Context, req processor.MentorReleaseRequest) (processor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.IdempotencyKey)
	if req.SessionID == "bad" {
		return processor.Result{}, domain.ErrConcurrentModification
	}
	return processor.Result{}, nil
}

type staticSource []domain.SessionHold

func (s staticSource) DueSettlements(context.Context, time.Time, int) ([]domain.SessionHold, error) {
	return s, nil
}

type countingObserver struct {
	mu    sync.Mutex
	calls int
}

func (o *countingObserver) ObserveSettlement(int, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func TestRunOnceReportsPartialFailure(t *testing.T) {
	captured := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := staticSource{
		{SessionID: "ok", MentorID: "m", MentorLocked: 100, CapturedAt: captured},
		{SessionID: "bad", MentorID: "m", MentorLocked: 100, MentorReleased: 40, CapturedAt: captured},
	}
	rel := &failingReleaser{}
	w := NewWorker(src, rel, &manualClock{now: captured.Add(hold)}, Options{Hold: hold}, logging.Discard(), nil)

	n, err := w.RunOnce(context.Background())
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"settle_ok_0", "settle_bad_40"}, rel.calls)
}

type brokenSource struct{}

func (brokenSource) DueSettlements(context.Context, time.Time, int) ([]domain.SessionHold, error) {
	return nil, errors.New("db down")
}

func TestRunOnceSourceError(t *testing.T) {
	w := NewWorker(brokenSource{}, &failingReleaser{}, &manualClock{}, Options{}, logging.Discard(), nil)
	_, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestStartStopsWithContext(t *testing.T) {
	e := newEnv(t)
	e.capture(t, "s1", 1000)
	e.clk.Advance(hold)
	obs := &countingObserver{}
	e.w.observer = obs

	ctx, cancel := context.WithCancel(context.Background())
	e.w.Start(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m, err := e.reg.MentorWallet(context.Background(), "men")
		return err == nil && m.Available == 900
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return obs.count() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
}
