package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFeeScenario(t *testing.T) {
	mentor, fee, err := SplitFee(20000, decimal.RequireFromString("0.15"))
	require.NoError(t, err)
	assert.Equal(t, int64(17000), mentor)
	assert.Equal(t, int64(3000), fee)
}

func TestSplitFeeRoundsHalfUp(t *testing.T) {
	// 0.5 paise of fee rounds up to 1.
	mentor, fee, err := SplitFee(5, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), fee)
	assert.Equal(t, int64(4), mentor)

	mentor, fee, err = SplitFee(3, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), fee)
	assert.Equal(t, int64(3), mentor)
}

func TestSplitFeeIsExact(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		total := r.Int63n(10_000_000)
		pct := decimal.NewFromInt(r.Int63n(10001)).Div(decimal.NewFromInt(10000))
		mentor, fee, err := SplitFee(total, pct)
		require.NoError(t, err)
		if mentor+fee != total || mentor < 0 || fee < 0 {
			t.Fatalf("split leaked: total=%d pct=%s mentor=%d fee=%d", total, pct, mentor, fee)
		}
	}

	for _, pct := range []string{"0", "1"} {
		mentor, fee, err := SplitFee(999, decimal.RequireFromString(pct))
		require.NoError(t, err)
		assert.Equal(t, int64(999), mentor+fee)
	}
}

func TestSplitFeeRejectsOutOfRange(t *testing.T) {
	_, _, err := SplitFee(100, decimal.RequireFromString("1.01"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = SplitFee(100, decimal.RequireFromString("-0.01"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = SplitFee(-1, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEveryTxTypeIsBalanced(t *testing.T) {
	types := []TxType{TxTopup, TxReserve, TxRelease, TxCapture, TxMentorLock, TxMentorRelease, TxFee}
	for _, typ := range types {
		from, to, err := typ.Route()
		require.NoError(t, err, typ)
		leg := LedgerTransaction{
			Type:        typ,
			Amount:      700,
			FromAccount: AccountID{OwnerID: "a", Type: from},
			ToAccount:   AccountID{OwnerID: "b", Type: to},
		}
		// sum(holders) - gateway must not move.
		var net int64
		for _, d := range leg.Deltas() {
			net += d.Amount * d.Account.Type.Sign()
		}
		assert.Zero(t, net, "leg type %s moves money out of the system", typ)
		assert.NotPanics(t, func() { DirectionOf(typ) })
	}

	_, _, err := TxType("refund").Route()
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestTopupRaisesGatewayBalance(t *testing.T) {
	leg := LedgerTransaction{
		Type:        TxTopup,
		Amount:      50000,
		FromAccount: Gateway(),
		ToAccount:   AccountID{OwnerID: "s1", Type: StudentAvailable},
	}
	deltas := leg.Deltas()
	assert.Equal(t, int64(50000), deltas[0].Amount)
	assert.Equal(t, int64(50000), deltas[1].Amount)
}

func TestAccountTypeText(t *testing.T) {
	for _, typ := range AccountTypes {
		b, err := typ.MarshalText()
		require.NoError(t, err)
		var back AccountType
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, typ, back)
	}
	_, err := ParseAccountType("escrow")
	assert.Error(t, err)
}

func TestLockKeysSortByTypeThenOwner(t *testing.T) {
	a := AccountID{OwnerID: "zed", Type: StudentAvailable}
	b := AccountID{OwnerID: "amy", Type: StudentLocked}
	assert.True(t, a.Less(b))
	assert.Less(t, a.LockKey(), b.LockKey())
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		nil: KindNone,
		fmt.Errorf("reserve s1: %w", ErrInsufficientFunds): KindInsufficientFunds,
		ErrUnknownSession:                  KindUnknownSession,
		fmt.Errorf("x: %w", ErrPersistence): KindPersistence,
		errors.New("connection reset"):     KindPersistence,
	}
	for err, want := range cases {
		assert.Equal(t, want, KindOf(err), "%v", err)
	}
	assert.True(t, Retriable(ErrConcurrentModification))
	assert.False(t, Retriable(ErrInsufficientFunds))
	assert.False(t, Retriable(ErrInvariantViolation))
}

func TestHistoryFilterMatches(t *testing.T) {
	leg := LedgerTransaction{Seq: 5, UserID: "mentor-1", CounterpartyUserID: "student-1", SessionID: "S1"}
	assert.True(t, HistoryFilter{UserID: "student-1"}.Matches(leg))
	assert.True(t, HistoryFilter{UserID: "mentor-1", SessionID: "S1"}.Matches(leg))
	assert.False(t, HistoryFilter{UserID: "other"}.Matches(leg))
	assert.False(t, HistoryFilter{Before: 5}.Matches(leg))
	assert.True(t, HistoryFilter{Before: 6}.Matches(leg))
}
