package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// Memory is a Store kept in process memory. A single RWMutex makes every
// Apply atomic and readers only ever observe whole groups.
type Memory struct {
	mu sync.RWMutex

	balances  map[domain.AccountID]int64
	legs      []domain.LedgerTransaction
	byTxID    map[string]int
	bySession map[string][]int
	sessions  map[string]domain.SessionHold
	idem      map[string]domain.IdempotencyRecord
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[domain.AccountID]int64),
		byTxID:    make(map[string]int),
		bySession: make(map[string][]int),
		sessions:  make(map[string]domain.SessionHold),
		idem:      make(map[string]domain.IdempotencyRecord),
	}
}

func (m *Memory) EnsureAccounts(_ context.Context, ids ...domain.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.balances[id]; !ok {
			m.balances[id] = 0
		}
	}
	return nil
}

func (m *Memory) Balances(_ context.Context, ids ...domain.AccountID) (map[domain.AccountID]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.AccountID]int64, len(ids))
	for _, id := range ids {
		out[id] = m.balances[id]
	}
	return out, nil
}

func (m *Memory) Totals(_ context.Context) (map[domain.AccountType]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.AccountType]int64, len(domain.AccountTypes))
	for id, bal := range m.balances {
		out[id.Type] += bal
	}
	return out, nil
}

func (m *Memory) Session(_ context.Context, sessionID string) (domain.SessionHold, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[sessionID]
	return h, ok, nil
}

func (m *Memory) DueSettlements(_ context.Context, capturedBefore time.Time, limit int) ([]domain.SessionHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SessionHold
	for _, h := range m.sessions {
		if h.Captured() && h.MentorPending() > 0 && !h.CapturedAt.After(capturedBefore) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Apply(_ context.Context, b Batch) ([]domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. Validate everything before touching state.
	if c := b.Completion; c != nil {
		rec, ok := m.idem[c.Key]
		if !ok || rec.Status != domain.IdempotencyPending || rec.LeaseToken != c.LeaseToken {
			return nil, fmt.Errorf("%w: key %s", ErrLeaseLost, c.Key)
		}
	}
	for _, leg := range b.Legs {
		if _, dup := m.byTxID[leg.TxID]; dup {
			return nil, fmt.Errorf("%w: tx %s", ErrDuplicateLeg, leg.TxID)
		}
	}
	if w := b.Session; w != nil {
		current := m.sessions[w.Hold.SessionID]
		if current.Version != w.PrevVersion {
			return nil, fmt.Errorf("%w: session %s changed", domain.ErrConcurrentModification, w.Hold.SessionID)
		}
	}
	next := make(map[domain.AccountID]int64, len(b.Deltas))
	var net int64
	for _, d := range b.Deltas {
		bal, seen := next[d.Account]
		if !seen {
			bal = m.balances[d.Account]
		}
		bal += d.Amount
		next[d.Account] = bal
		net += d.Amount * d.Account.Type.Sign()
	}
	if net != 0 {
		return nil, fmt.Errorf("%w: group is unbalanced by %d", domain.ErrInvariantViolation, net)
	}
	for id, bal := range next {
		if bal < 0 && id.Type.Constrained() {
			return nil, fmt.Errorf("%w: %s would be %d", domain.ErrInsufficientFunds, id, bal)
		}
	}

	// 2. Apply.
	for id, bal := range next {
		m.balances[id] = bal
	}
	applied := make([]domain.LedgerTransaction, len(b.Legs))
	for i, leg := range b.Legs {
		m.seq++
		leg.Seq = m.seq
		idx := len(m.legs)
		m.legs = append(m.legs, leg)
		m.byTxID[leg.TxID] = idx
		if leg.SessionID != "" {
			m.bySession[leg.SessionID] = append(m.bySession[leg.SessionID], idx)
		}
		applied[i] = leg
	}
	if w := b.Session; w != nil {
		h := w.Hold
		h.Version = w.PrevVersion + 1
		m.sessions[h.SessionID] = h
	}
	if c := b.Completion; c != nil {
		rec := m.idem[c.Key]
		rec.Status = domain.IdempotencyApplied
		rec.ResultTxIDs = append([]string(nil), c.ResultTxIDs...)
		rec.AppliedAt = c.AppliedAt
		rec.ExpiresAt = c.ExpiresAt
		rec.Failure = ""
		m.idem[c.Key] = rec
	}
	return applied, nil
}

func (m *Memory) TransactionsByID(_ context.Context, txIDs []string) ([]domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LedgerTransaction, 0, len(txIDs))
	for _, id := range txIDs {
		idx, ok := m.byTxID[id]
		if !ok {
			return nil, fmt.Errorf("%w: transaction %s referenced but missing", domain.ErrInvariantViolation, id)
		}
		out = append(out, m.legs[idx])
	}
	return out, nil
}

func (m *Memory) SessionTransactions(_ context.Context, sessionID string) ([]domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idxs := m.bySession[sessionID]
	out := make([]domain.LedgerTransaction, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, m.legs[idx])
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, f domain.HistoryFilter) ([]domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := clampLimit(f.Limit)
	out := make([]domain.LedgerTransaction, 0, limit)
	for i := len(m.legs) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(m.legs[i]) {
			out = append(out, m.legs[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertIdempotency(_ context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idem[rec.Key]; ok {
		return existing, false, nil
	}
	m.idem[rec.Key] = rec
	return rec, true, nil
}

func (m *Memory) ReclaimIdempotency(_ context.Context, key, prevToken string, next domain.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.idem[key]
	if !ok || current.LeaseToken != prevToken || current.Status == domain.IdempotencyApplied {
		return false, nil
	}
	m.idem[key] = next
	return true, nil
}

func (m *Memory) FailIdempotency(_ context.Context, key, token, reason string, at, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.idem[key]
	if !ok || current.LeaseToken != token || current.Status != domain.IdempotencyPending {
		return false, nil
	}
	current.Status = domain.IdempotencyFailed
	current.Failure = reason
	current.LeaseExpiresAt = at
	current.ExpiresAt = expiresAt
	m.idem[key] = current
	return true, nil
}

func (m *Memory) PurgeIdempotency(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, rec := range m.idem {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if rec.Terminal() && !rec.ExpiresAt.After(cutoff) {
			delete(m.idem, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) IdempotencyRecord(_ context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idem[key]
	return rec, ok, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
