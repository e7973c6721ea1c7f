package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

func seed(t *testing.T, n int) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		avail, _ := domain.Student("s1")
		leg := domain.LedgerTransaction{
			TxID:           fmt.Sprintf("tx%d", i),
			GroupID:        fmt.Sprintf("g%d", i),
			Type:           domain.TxTopup,
			Direction:      domain.Credit,
			Amount:         100,
			FromAccount:    domain.Gateway(),
			ToAccount:      avail,
			UserID:         "s1",
			IdempotencyKey: fmt.Sprintf("k%d", i),
			CreatedAt:      at.Add(time.Duration(i) * time.Hour),
		}
		_, err := mem.Apply(context.Background(), store.Batch{Legs: []domain.LedgerTransaction{leg}, Deltas: leg.Deltas()})
		require.NoError(t, err)
	}
	return mem
}

func TestHistoryPaginates(t *testing.T) {
	q := New(seed(t, 5))
	ctx := context.Background()

	page, err := q.History(ctx, domain.HistoryFilter{UserID: "s1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "k4", page.Transactions[0].IdempotencyKey)
	require.NotZero(t, page.NextBefore)

	var all []string
	f := domain.HistoryFilter{UserID: "s1", Limit: 2}
	for {
		page, err := q.History(ctx, f)
		require.NoError(t, err)
		for _, leg := range page.Transactions {
			all = append(all, leg.IdempotencyKey)
		}
		if page.NextBefore == 0 {
			break
		}
		f.Before = page.NextBefore
	}
	assert.Equal(t, []string{"k4", "k3", "k2", "k1", "k0"}, all)
}

func TestHistoryValidation(t *testing.T) {
	q := New(seed(t, 1))
	ctx := context.Background()
	_, err := q.History(ctx, domain.HistoryFilter{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = q.History(ctx, domain.HistoryFilter{UserID: "s1", Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	now := time.Now()
	_, err = q.History(ctx, domain.HistoryFilter{UserID: "s1", From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	page, err := q.History(ctx, domain.HistoryFilter{UserID: "s1", Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
	assert.Zero(t, page.NextBefore)

	_, err = q.Session(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
