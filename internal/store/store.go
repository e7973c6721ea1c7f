package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// ErrLeaseLost means the idempotency lease was reclaimed by another caller
// before the batch could be committed. Retrying with the same lease is futile.
var ErrLeaseLost = fmt.Errorf("%w: idempotency lease lost", domain.ErrConcurrentModification)

// ErrDuplicateLeg means a leg collided with one already recorded, either on
// tx_id or on (group_id, idempotency_key). A retry draws fresh identifiers.
var ErrDuplicateLeg = fmt.Errorf("%w: ledger leg already recorded", domain.ErrConcurrentModification)

// SessionWrite replaces a session hold. PrevVersion is the version the writer
// read (0 when the session did not exist); the write fails with
// domain.ErrConcurrentModification if it no longer matches.
type SessionWrite struct {
	Hold        domain.SessionHold
	PrevVersion int64
}

// Batch is one atomic unit: a transaction group, the balance deltas it causes,
// the session state it produces and the idempotency completion that records
// it. Either all of it is persisted or none of it is.
type Batch struct {
	Legs       []domain.LedgerTransaction
	Deltas     []domain.Delta
	Session    *SessionWrite
	Completion *domain.Completion
}

// Store is the persistence boundary of the ledger. Ledger legs are append
// only; balances and session holds are projections maintained in the same
// atomic unit as the legs that change them.
type Store interface {
	// EnsureAccounts creates missing accounts with a zero balance.
	EnsureAccounts(ctx context.Context, ids ...domain.AccountID) error
	// Balances returns the committed balance of each id; unknown accounts read as zero.
	Balances(ctx context.Context, ids ...domain.AccountID) (map[domain.AccountID]int64, error)
	// Totals sums committed balances per account type.
	Totals(ctx context.Context) (map[domain.AccountType]int64, error)

	Session(ctx context.Context, sessionID string) (domain.SessionHold, bool, error)
	// DueSettlements lists captured sessions with unreleased mentor earnings
	// captured at or before capturedBefore, oldest first.
	DueSettlements(ctx context.Context, capturedBefore time.Time, limit int) ([]domain.SessionHold, error)

	// Apply persists b atomically and returns the legs with their sequence numbers.
	Apply(ctx context.Context, b Batch) ([]domain.LedgerTransaction, error)
	TransactionsByID(ctx context.Context, txIDs []string) ([]domain.LedgerTransaction, error)
	// SessionTransactions returns a session's legs in creation order.
	SessionTransactions(ctx context.Context, sessionID string) ([]domain.LedgerTransaction, error)
	// History returns matching legs newest first.
	History(ctx context.Context, f domain.HistoryFilter) ([]domain.LedgerTransaction, error)

	InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error)
	ReclaimIdempotency(ctx context.Context, key, prevToken string, next domain.IdempotencyRecord) (bool, error)
	FailIdempotency(ctx context.Context, key, token, reason string, at, expiresAt time.Time) (bool, error)
	PurgeIdempotency(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	IdempotencyRecord(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error)

	Ping(ctx context.Context) error
	Close()
}

const defaultHistoryLimit = 50

// MaxHistoryLimit caps a single history page.
const MaxHistoryLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
