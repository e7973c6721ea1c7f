// Package registry reads account balances and stages balance changes for
// the transaction processor.
package registry

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// Accounts is the slice of the store the registry needs.
type Accounts interface {
	EnsureAccounts(ctx context.Context, ids ...domain.AccountID) error
	Balances(ctx context.Context, ids ...domain.AccountID) (map[domain.AccountID]int64, error)
	Totals(ctx context.Context) (map[domain.AccountType]int64, error)
}

type Registry struct {
	accounts Accounts
	currency string
}

func New(accounts Accounts, currency string) *Registry {
	return &Registry{accounts: accounts, currency: currency}
}

// Balance returns the committed balance of one account.
func (r *Registry) Balance(ctx context.Context, id domain.AccountID) (int64, error) {
	bal, err := r.accounts.Balances(ctx, id)
	if err != nil {
		return 0, err
	}
	return bal[id], nil
}

// StudentWallet returns the student's available/locked pair, creating the
// accounts on first read.
func (r *Registry) StudentWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	available, locked := domain.Student(ownerID)
	return r.wallet(ctx, ownerID, available, locked)
}

// MentorWallet returns the mentor's earnings pair, creating the accounts on
// first read.
func (r *Registry) MentorWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	available, locked := domain.Mentor(ownerID)
	return r.wallet(ctx, ownerID, available, locked)
}

func (r *Registry) wallet(ctx context.Context, ownerID string, available, locked domain.AccountID) (domain.Wallet, error) {
	if ownerID == "" {
		return domain.Wallet{}, fmt.Errorf("%w: owner id is required", domain.ErrInvalidRequest)
	}
	if err := r.accounts.EnsureAccounts(ctx, available, locked); err != nil {
		return domain.Wallet{}, err
	}
	bal, err := r.accounts.Balances(ctx, available, locked)
	if err != nil {
		return domain.Wallet{}, err
	}
	return domain.Wallet{
		OwnerID:   ownerID,
		Available: bal[available],
		Locked:    bal[locked],
		Currency:  r.currency,
	}, nil
}

// Begin snapshots the given accounts for one atomic unit. The caller must
// already hold the locks of every constrained account in ids.
func (r *Registry) Begin(ctx context.Context, ids ...domain.AccountID) (*Unit, error) {
	bal, err := r.accounts.Balances(ctx, ids...)
	if err != nil {
		return nil, err
	}
	return &Unit{balances: bal}, nil
}

// Unit stages balance changes. Nothing is visible to readers until the
// deltas are committed together with their ledger legs.
type Unit struct {
	balances map[domain.AccountID]int64
	deltas   []domain.Delta
}

// Balance is the staged balance of an account in this unit.
func (u *Unit) Balance(id domain.AccountID) int64 {
	return u.balances[id]
}

// ApplyDelta stages a signed change and returns the new staged balance.
// Constrained accounts may not go negative; platform accounts are
// unconstrained.
func (u *Unit) ApplyDelta(id domain.AccountID, amount int64) (int64, error) {
	current, ok := u.balances[id]
	if !ok {
		return 0, fmt.Errorf("%w: account %s was not snapshotted", domain.ErrInvariantViolation, id)
	}
	next := current + amount
	if next < 0 && id.Type.Constrained() {
		return current, fmt.Errorf("%w: %s has %d, needs %d", domain.ErrInsufficientFunds, id, current, -amount)
	}
	u.balances[id] = next
	u.deltas = append(u.deltas, domain.Delta{Account: id, Amount: amount})
	return next, nil
}

// Deltas returns every staged change in application order.
func (u *Unit) Deltas() []domain.Delta {
	return append([]domain.Delta(nil), u.deltas...)
}

// Conservation is the result of a global balance audit.
type Conservation struct {
	Totals   map[domain.AccountType]int64 `json:"totals"`
	Holders  int64                        `json:"holders"`
	Gateway  int64                        `json:"external_gateway"`
	Net      int64                        `json:"net"`
	Balanced bool                         `json:"balanced"`
}

// CheckConservation verifies that holder balances sum to the gateway balance.
func (r *Registry) CheckConservation(ctx context.Context) (Conservation, error) {
	totals, err := r.accounts.Totals(ctx)
	if err != nil {
		return Conservation{}, err
	}
	c := Conservation{Totals: make(map[domain.AccountType]int64, len(domain.AccountTypes))}
	for _, t := range domain.AccountTypes {
		total := totals[t]
		c.Totals[t] = total
		if t == domain.ExternalGateway {
			c.Gateway = total
			continue
		}
		c.Holders += total
	}
	c.Net = c.Holders - c.Gateway
	c.Balanced = c.Net == 0
	return c, nil
}
