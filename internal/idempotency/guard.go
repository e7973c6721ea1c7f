// Package idempotency makes sure a logical operation executes at most once no
// matter how many times the caller retries it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/mentorledger/internal/clock"
	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// Repository persists idempotency records. Every method is a single atomic
// compare-and-set on the key.
type Repository interface {
	// InsertIdempotency stores rec unless the key exists, in which case the
	// existing record is returned with inserted=false.
	InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) (existing domain.IdempotencyRecord, inserted bool, err error)
	// ReclaimIdempotency replaces the record only while prevToken still owns it.
	ReclaimIdempotency(ctx context.Context, key, prevToken string, next domain.IdempotencyRecord) (bool, error)
	// FailIdempotency marks a pending record failed only while token owns it.
	FailIdempotency(ctx context.Context, key, token, reason string, at, expiresAt time.Time) (bool, error)
	// PurgeIdempotency deletes up to limit terminal records that expired before cutoff.
	PurgeIdempotency(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Observer receives guard outcomes. A nil Observer is ignored.
type Observer interface {
	ObserveIdempotencyBegin(outcome string)
	ObserveIdempotencyCleanup(deleted int64, err error)
}

type Options struct {
	// LeaseTTL is how long a winner may hold a key before another caller may
	// take over.
	LeaseTTL time.Duration
	// Wait bounds how long Begin polls a key that is in flight elsewhere.
	Wait time.Duration
	// PollEvery is the first polling delay; it backs off up to 8x.
	PollEvery time.Duration
	// Retention is how long terminal records are kept.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 10 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	return o
}

// Lease is the right to execute the operation behind a key.
type Lease struct {
	Key       string
	Token     string
	Attempt   int
	ExpiresAt time.Time
}

// Outcome of Begin: exactly one of Lease or Applied is set.
type Outcome struct {
	Lease   *Lease
	Applied *domain.IdempotencyRecord
}

var errInFlight = errors.New("operation in flight")

type Guard struct {
	repo     Repository
	clock    clock.Clock
	opts     Options
	log      logrus.FieldLogger
	observer Observer
}

func NewGuard(repo Repository, clk clock.Clock, opts Options, log logrus.FieldLogger, observer Observer) *Guard {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{repo: repo, clock: clk, opts: opts.withDefaults(), log: log, observer: observer}
}

// Fingerprint hashes the parts that make up a request so key reuse with a
// different payload can be detected. Each part is length-prefixed so no
// separator inside a part can shift the boundaries.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DerivedKeySep separates a caller key from the per-leg suffixes the ledger
// derives from it, so callers may not use it.
const DerivedKeySep = "#"

// Begin either grants a lease or returns the record of an earlier successful
// execution. Concurrent callers on a live lease are polled until it resolves
// or Options.Wait elapses.
func (g *Guard) Begin(ctx context.Context, key, fingerprint string) (Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return Outcome{}, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}
	if strings.Contains(key, DerivedKeySep) {
		return Outcome{}, fmt.Errorf("%w: idempotency key may not contain %q", domain.ErrInvalidRequest, DerivedKeySep)
	}

	out, err := g.tryBegin(ctx, key, fingerprint)
	if errors.Is(err, errInFlight) && g.opts.Wait > 0 {
		policy := retrypolicy.NewBuilder[Outcome]().
			HandleIf(func(_ Outcome, err error) bool { return errors.Is(err, errInFlight) }).
			WithBackoff(g.opts.PollEvery, 8*g.opts.PollEvery).
			WithMaxRetries(-1).
			WithMaxDuration(g.opts.Wait).
			ReturnLastFailure().
			Build()
		out, err = failsafe.With[Outcome](policy).WithContext(ctx).Get(func() (Outcome, error) {
			return g.tryBegin(ctx, key, fingerprint)
		})
	}
	if errors.Is(err, errInFlight) {
		g.observe("in_flight")
		return Outcome{}, fmt.Errorf("%w: key %s is being processed", domain.ErrConcurrentModification, key)
	}
	if err != nil {
		return Outcome{}, err
	}
	if out.Applied != nil {
		g.observe("replayed")
	} else {
		g.observe("leased")
	}
	return out, nil
}

func (g *Guard) tryBegin(ctx context.Context, key, fingerprint string) (Outcome, error) {
	now := g.clock.Now()
	rec := domain.IdempotencyRecord{
		Key:            key,
		Fingerprint:    fingerprint,
		Status:         domain.IdempotencyPending,
		LeaseToken:     uuid.NewString(),
		LeaseExpiresAt: now.Add(g.opts.LeaseTTL),
		Attempts:       1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.opts.Retention),
	}

	existing, inserted, err := g.repo.InsertIdempotency(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: reserve idempotency key: %v", domain.ErrPersistence, err)
	}
	if inserted {
		return Outcome{Lease: leaseOf(rec)}, nil
	}

	switch existing.Status {
	case domain.IdempotencyApplied:
		if existing.Fingerprint != fingerprint {
			return Outcome{}, g.mismatch(key)
		}
		return Outcome{Applied: &existing}, nil
	case domain.IdempotencyPending:
		if existing.Fingerprint != fingerprint {
			return Outcome{}, g.mismatch(key)
		}
		if now.Before(existing.LeaseExpiresAt) {
			return Outcome{}, errInFlight
		}
		g.log.WithFields(logrus.Fields{
			"idempotency_key": key,
			"attempt":         existing.Attempts + 1,
		}).Warn("idempotency lease expired, reclaiming")
	case domain.IdempotencyFailed:
		// Nothing was committed, so a corrected payload may take the key over.
	default:
		return Outcome{}, fmt.Errorf("%w: idempotency key %s has status %q", domain.ErrInvariantViolation, key, existing.Status)
	}

	rec.Attempts = existing.Attempts + 1
	rec.CreatedAt = existing.CreatedAt
	ok, err := g.repo.ReclaimIdempotency(ctx, key, existing.LeaseToken, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: reclaim idempotency key: %v", domain.ErrPersistence, err)
	}
	if !ok {
		// Another caller reclaimed first; it now owns a live lease.
		return Outcome{}, errInFlight
	}
	return Outcome{Lease: leaseOf(rec)}, nil
}

func (g *Guard) mismatch(key string) error {
	g.observe("mismatch")
	return fmt.Errorf("%w: key %s", domain.ErrIdempotencyMismatch, key)
}

// Completion is the commit record for a lease. The ledger store persists it
// in the same atomic unit as the transaction group.
func (g *Guard) Completion(lease *Lease, txIDs []string) domain.Completion {
	now := g.clock.Now()
	return domain.Completion{
		Key:         lease.Key,
		LeaseToken:  lease.Token,
		ResultTxIDs: txIDs,
		AppliedAt:   now,
		ExpiresAt:   now.Add(g.opts.Retention),
	}
}

// Fail releases the lease so a corrected retry with the same key can run.
func (g *Guard) Fail(ctx context.Context, lease *Lease, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	now := g.clock.Now()
	ok, err := g.repo.FailIdempotency(ctx, lease.Key, lease.Token, reason, now, now.Add(g.opts.Retention))
	if err != nil {
		return fmt.Errorf("%w: fail idempotency key: %v", domain.ErrPersistence, err)
	}
	if !ok {
		g.log.WithField("idempotency_key", lease.Key).Warn("idempotency lease lost before fail")
	}
	g.observe("failed")
	return nil
}

// Purge deletes terminal records past their retention in batches.
func (g *Guard) Purge(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var total int64
	for {
		deleted, err := g.repo.PurgeIdempotency(ctx, g.clock.Now(), batchSize)
		total += deleted
		if err != nil || deleted < int64(batchSize) {
			return total, err
		}
	}
}

// StartCleanupWorker runs Purge every interval until ctx is done.
func (g *Guard) StartCleanupWorker(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := g.Purge(ctx, batchSize)
				if g.observer != nil {
					g.observer.ObserveIdempotencyCleanup(deleted, err)
				}
				if err != nil {
					g.log.WithError(err).Error("idempotency cleanup failed")
					continue
				}
				if deleted > 0 {
					g.log.WithField("deleted", deleted).Info("idempotency cleanup removed expired keys")
				}
			}
		}
	}()
}

func (g *Guard) observe(outcome string) {
	if g.observer != nil {
		g.observer.ObserveIdempotencyBegin(outcome)
	}
}

func leaseOf(rec domain.IdempotencyRecord) *Lease {
	return &Lease{
		Key:       rec.Key,
		Token:     rec.LeaseToken,
		Attempt:   rec.Attempts,
		ExpiresAt: rec.LeaseExpiresAt,
	}
}
