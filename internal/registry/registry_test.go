package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

func TestWalletCreatesAccountsLazily(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, "INR")

	w, err := r.StudentWallet(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.Wallet{OwnerID: "s1", Currency: "INR"}, w)

	totals, err := mem.Totals(ctx)
	require.NoError(t, err)
	assert.Contains(t, totals, domain.StudentAvailable)
	assert.Contains(t, totals, domain.StudentLocked)

	_, err = r.MentorWallet(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUnitRejectsOverdraftOnConstrainedAccounts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, "INR")
	avail, locked := domain.Student("s1")

	u, err := r.Begin(ctx, avail, locked, domain.Revenue())
	require.NoError(t, err)

	_, err = u.ApplyDelta(avail, -1)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, u.Deltas())

	// Platform accounts are unconstrained.
	next, err := u.ApplyDelta(domain.Revenue(), -50)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), next)

	_, err = u.ApplyDelta(domain.Gateway(), 10)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestUnitStagesWithoutCommitting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, "INR")
	avail, locked := domain.Student("s1")

	u, err := r.Begin(ctx, avail, locked, domain.Gateway())
	require.NoError(t, err)
	_, err = u.ApplyDelta(domain.Gateway(), 500)
	require.NoError(t, err)
	_, err = u.ApplyDelta(avail, 500)
	require.NoError(t, err)
	next, err := u.ApplyDelta(avail, -200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), next)
	_, err = u.ApplyDelta(locked, 200)
	require.NoError(t, err)
	assert.Len(t, u.Deltas(), 4)

	committed, err := r.Balance(ctx, avail)
	require.NoError(t, err)
	assert.Zero(t, committed)

	_, err = mem.Apply(ctx, store.Batch{Deltas: u.Deltas()})
	require.NoError(t, err)
	committed, err = r.Balance(ctx, avail)
	require.NoError(t, err)
	assert.Equal(t, int64(300), committed)
}

func TestCheckConservation(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, "INR")
	avail, _ := domain.Student("s1")
	_, mentorLocked := domain.Mentor("m1")

	_, err := mem.Apply(ctx, store.Batch{Deltas: []domain.Delta{
		{Account: domain.Gateway(), Amount: 1000},
		{Account: avail, Amount: 700},
		{Account: mentorLocked, Amount: 250},
		{Account: domain.Revenue(), Amount: 50},
	}})
	require.NoError(t, err)

	c, err := r.CheckConservation(ctx)
	require.NoError(t, err)
	assert.True(t, c.Balanced)
	assert.Equal(t, int64(1000), c.Holders)
	assert.Equal(t, int64(1000), c.Gateway)
	assert.Equal(t, int64(700), c.Totals[domain.StudentAvailable])
}
