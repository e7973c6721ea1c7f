// Package processor turns wallet operations into balanced ledger legs and
// applies each group atomically. It is the only writer of balances.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/mentorledger/internal/clock"
	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/idempotency"
	"github.com/punchamoorthee/mentorledger/internal/lockmgr"
	"github.com/punchamoorthee/mentorledger/internal/registry"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

type Config struct {
	Currency       string
	TopupMin       int64
	TopupMax       int64
	SettlementHold time.Duration
	// RetryMax bounds automatic retries of retriable failures.
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "INR"
	}
	if c.TopupMin <= 0 {
		c.TopupMin = 100
	}
	if c.TopupMax < c.TopupMin {
		c.TopupMax = 10_000_000
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 20 * time.Millisecond
	}
	if c.RetryMaxDelay <= c.RetryBaseDelay {
		c.RetryMaxDelay = 10 * c.RetryBaseDelay
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Observer receives processor outcomes. A nil Observer is ignored.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveRetry(op string)
	ObserveHalt()
}

// Publisher is told about every newly committed group. It must not block
// and its failures never affect the operation.
type Publisher interface {
	Publish(ctx context.Context, legs []domain.LedgerTransaction)
}

type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Guard     *idempotency.Guard
	Locks     lockmgr.Manager
	Clock     clock.Clock
	Log       logrus.FieldLogger
	Observer  Observer
	Publisher Publisher
}

// Result is the outcome of one operation. Replayed is set when the
// idempotency key had already been applied and no new legs were written.
type Result struct {
	Transactions []domain.LedgerTransaction
	Replayed     bool
}

type Processor struct {
	cfg       Config
	store     store.Store
	registry  *registry.Registry
	guard     *idempotency.Guard
	locks     lockmgr.Manager
	clock     clock.Clock
	log       logrus.FieldLogger
	observer  Observer
	publisher Publisher

	mu      sync.RWMutex
	haltErr error
}

func New(cfg Config, deps Deps) *Processor {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Processor{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		registry:  deps.Registry,
		guard:     deps.Guard,
		locks:     deps.Locks,
		clock:     deps.Clock,
		log:       deps.Log,
		observer:  deps.Observer,
		publisher: deps.Publisher,
	}
}

func (p *Processor) Config() Config {
	return p.cfg
}

// Halted returns the invariant violation that stopped the processor, if any.
func (p *Processor) Halted() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.haltErr
}

func (p *Processor) halt(err error) {
	p.mu.Lock()
	first := p.haltErr == nil
	if first {
		p.haltErr = err
	}
	p.mu.Unlock()
	if !first {
		return
	}
	p.log.WithError(err).Error("ledger invariant violated, refusing further mutations")
	if p.observer != nil {
		p.observer.ObserveHalt()
	}
}

// operation is one requested business operation, already validated for
// everything that does not depend on ledger state.
type operation struct {
	name        string
	key         string
	fingerprint string
	sessionID   string
	// accounts are snapshotted for the unit; constrained ones are locked.
	accounts []domain.AccountID
	build    func(pl *plan) error
	fields   logrus.Fields
}

func (p *Processor) run(ctx context.Context, op operation) (Result, error) {
	started := time.Now()
	res, err := p.execute(ctx, op)
	outcome := "applied"
	switch {
	case err != nil:
		outcome = domain.KindOf(err).String()
	case res.Replayed:
		outcome = "replayed"
	}
	if p.observer != nil {
		p.observer.ObserveOperation(op.name, outcome, time.Since(started))
	}

	entry := p.log.WithFields(op.fields).WithFields(logrus.Fields{
		"op":              op.name,
		"idempotency_key": op.key,
		"outcome":         outcome,
	})
	switch domain.KindOf(err) {
	case domain.KindNone:
		entry.Debug("ledger operation finished")
	case domain.KindPersistence, domain.KindInvariantViolation:
		entry.WithError(err).Error("ledger operation failed")
	default:
		entry.WithError(err).Warn("ledger operation rejected")
	}
	return res, err
}

func (p *Processor) execute(ctx context.Context, op operation) (Result, error) {
	if err := p.Halted(); err != nil {
		return Result{}, fmt.Errorf("%w: processor halted: %v", domain.ErrInvariantViolation, err)
	}

	out, err := p.guard.Begin(ctx, op.key, op.fingerprint)
	if err != nil {
		return Result{}, err
	}
	if out.Applied != nil {
		legs, err := p.store.TransactionsByID(ctx, out.Applied.ResultTxIDs)
		if err != nil {
			if domain.KindOf(err) == domain.KindInvariantViolation {
				p.halt(err)
			}
			return Result{}, err
		}
		return Result{Transactions: legs, Replayed: true}, nil
	}

	// The lease is ours: finish even if the caller goes away, so its retry
	// observes the outcome instead of a dangling lease.
	ctx = context.WithoutCancel(ctx)
	legs, err := p.applyWithRetry(ctx, op, out.Lease)
	if err != nil {
		if domain.KindOf(err) == domain.KindInvariantViolation {
			p.halt(err)
		}
		if ferr := p.guard.Fail(ctx, out.Lease, err); ferr != nil {
			p.log.WithError(ferr).WithField("idempotency_key", op.key).Error("failed to release idempotency lease")
		}
		return Result{}, err
	}

	if p.publisher != nil {
		p.publisher.Publish(ctx, legs)
	}
	return Result{Transactions: legs}, nil
}

func (p *Processor) applyWithRetry(ctx context.Context, op operation, lease *idempotency.Lease) ([]domain.LedgerTransaction, error) {
	policy := retrypolicy.NewBuilder[[]domain.LedgerTransaction]().
		HandleIf(func(_ []domain.LedgerTransaction, err error) bool {
			return domain.Retriable(err) && !errors.Is(err, store.ErrLeaseLost)
		}).
		WithBackoff(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(p.cfg.RetryMax).
		ReturnLastFailure().
		Build()

	attempt := 0
	return failsafe.With[[]domain.LedgerTransaction](policy).WithContext(ctx).Get(func() ([]domain.LedgerTransaction, error) {
		attempt++
		if attempt > 1 {
			if p.observer != nil {
				p.observer.ObserveRetry(op.name)
			}
			p.log.WithFields(logrus.Fields{"op": op.name, "idempotency_key": op.key, "attempt": attempt}).
				Debug("retrying ledger operation")
		}
		return p.applyOnce(ctx, op, lease)
	})
}

func (p *Processor) applyOnce(ctx context.Context, op operation, lease *idempotency.Lease) ([]domain.LedgerTransaction, error) {
	keys := make([]string, 0, len(op.accounts)+1)
	if op.sessionID != "" {
		keys = append(keys, lockmgr.SessionKey(op.sessionID))
	}
	for _, id := range op.accounts {
		if id.Type.Constrained() {
			keys = append(keys, id.LockKey())
		}
	}
	release, err := p.locks.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	pl := &plan{
		now:       p.clock.Now(),
		key:       op.key,
		groupID:   uuid.NewString(),
		currency:  p.cfg.Currency,
		hold:      p.cfg.SettlementHold,
		sessionID: op.sessionID,
	}
	if op.sessionID != "" {
		h, ok, err := p.store.Session(ctx, op.sessionID)
		if err != nil {
			return nil, err
		}
		if ok {
			pl.session = &h
			pl.sessionVersion = h.Version
		}
	}
	if pl.unit, err = p.registry.Begin(ctx, op.accounts...); err != nil {
		return nil, err
	}
	if err := op.build(pl); err != nil {
		return nil, err
	}
	if len(pl.legs) == 0 {
		return nil, fmt.Errorf("%w: %s produced no legs", domain.ErrInvariantViolation, op.name)
	}

	txIDs := make([]string, len(pl.legs))
	for i, leg := range pl.legs {
		txIDs[i] = leg.TxID
	}
	completion := p.guard.Completion(lease, txIDs)
	batch := store.Batch{
		Legs:       pl.legs,
		Deltas:     pl.unit.Deltas(),
		Completion: &completion,
	}
	if pl.sessionDirty {
		pl.session.UpdatedAt = pl.now
		batch.Session = &store.SessionWrite{Hold: *pl.session, PrevVersion: pl.sessionVersion}
	}
	return p.store.Apply(ctx, batch)
}

// plan accumulates the legs and session change of one unit.
type plan struct {
	now       time.Time
	key       string
	groupID   string
	currency  string
	hold      time.Duration
	sessionID string
	unit      *registry.Unit

	session        *domain.SessionHold
	sessionVersion int64
	sessionDirty   bool

	legs []domain.LedgerTransaction
}

type legSpec struct {
	typ          domain.TxType
	suffix       string
	from, to     domain.AccountID
	amount       int64
	userID       string
	counterparty string
	gateway      string
	gatewayID    string
}

// addLeg stages a leg and its balance changes. The route is checked against
// the leg type so a leg can never move money between the wrong accounts.
func (pl *plan) addLeg(s legSpec) error {
	from, to, err := s.typ.Route()
	if err != nil {
		return err
	}
	if s.from.Type != from || s.to.Type != to {
		return fmt.Errorf("%w: %s leg routed %s -> %s", domain.ErrInvariantViolation, s.typ, s.from, s.to)
	}
	if s.amount <= 0 {
		return fmt.Errorf("%w: %s leg amount %d", domain.ErrInvariantViolation, s.typ, s.amount)
	}

	leg := domain.LedgerTransaction{
		TxID:               uuid.NewString(),
		GroupID:            pl.groupID,
		Type:               s.typ,
		Direction:          domain.DirectionOf(s.typ),
		Amount:             s.amount,
		Currency:           pl.currency,
		FromAccount:        s.from,
		ToAccount:          s.to,
		UserID:             s.userID,
		CounterpartyUserID: s.counterparty,
		Gateway:            s.gateway,
		GatewayID:          s.gatewayID,
		SessionID:          pl.sessionID,
		IdempotencyKey:     pl.key + s.suffix,
		CreatedAt:          pl.now,
	}
	for _, d := range leg.Deltas() {
		if _, err := pl.unit.ApplyDelta(d.Account, d.Amount); err != nil {
			return err
		}
	}
	pl.legs = append(pl.legs, leg)
	return nil
}

func (pl *plan) writeSession(h domain.SessionHold) {
	pl.session = &h
	pl.sessionDirty = true
}
