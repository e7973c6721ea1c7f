package domain

import (
	"fmt"
	"time"
)

// TxType is the closed set of ledger leg types.
type TxType string

const (
	TxTopup         TxType = "topup"
	TxReserve       TxType = "reserve"
	TxRelease       TxType = "release"
	TxCapture       TxType = "capture"
	TxMentorLock    TxType = "mentorLock"
	TxMentorRelease TxType = "mentorRelease"
	TxFee           TxType = "fee"
)

// Route returns the source and destination account types for a leg type.
// Every new TxType must be added here before it can be applied.
func (t TxType) Route() (from, to AccountType, err error) {
	switch t {
	case TxTopup:
		return ExternalGateway, StudentAvailable, nil
	case TxReserve:
		return StudentAvailable, StudentLocked, nil
	case TxRelease:
		return StudentLocked, StudentAvailable, nil
	case TxCapture:
		return StudentLocked, ExternalGateway, nil
	case TxMentorLock:
		return ExternalGateway, MentorLocked, nil
	case TxMentorRelease:
		return MentorLocked, MentorAvailable, nil
	case TxFee:
		return ExternalGateway, PlatformRevenue, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown transaction type %q", ErrInvariantViolation, string(t))
	}
}

// Direction is the effect of a leg on its UserID.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// DirectionOf is credit when the leg adds to the user's side and debit when it
// takes away from it.
func DirectionOf(t TxType) Direction {
	switch t {
	case TxTopup, TxRelease, TxMentorLock, TxMentorRelease, TxFee:
		return Credit
	case TxReserve, TxCapture:
		return Debit
	default:
		panic(fmt.Sprintf("domain: unhandled transaction type %q", string(t)))
	}
}

// LedgerTransaction is one immutable ledger leg. Legs of one business
// operation share a GroupID and are applied as a unit.
type LedgerTransaction struct {
	Seq                int64     `json:"seq"`
	TxID               string    `json:"tx_id"`
	GroupID            string    `json:"group_id"`
	Type               TxType    `json:"type"`
	Direction          Direction `json:"direction"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	FromAccount        AccountID `json:"from_account"`
	ToAccount          AccountID `json:"to_account"`
	UserID             string    `json:"user_id"`
	CounterpartyUserID string    `json:"counterparty_user_id,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`
	Gateway            string    `json:"gateway,omitempty"`
	GatewayID          string    `json:"gateway_id,omitempty"`
	IdempotencyKey     string    `json:"idempotency_key"`
	CreatedAt          time.Time `json:"created_at"`
}

// Deltas expands a leg into its two balance changes.
func (t LedgerTransaction) Deltas() []Delta {
	return []Delta{
		{Account: t.FromAccount, Amount: -t.Amount * t.FromAccount.Type.Sign()},
		{Account: t.ToAccount, Amount: t.Amount * t.ToAccount.Type.Sign()},
	}
}

// Involves reports whether userID is the payer or the counterparty.
func (t LedgerTransaction) Involves(userID string) bool {
	return t.UserID == userID || t.CounterpartyUserID == userID
}

// HistoryFilter selects committed legs. Zero values mean "any".
type HistoryFilter struct {
	UserID    string
	SessionID string
	From      time.Time
	To        time.Time
	// Before is an exclusive Seq cursor for pagination.
	Before int64
	Limit  int
}

// Matches reports whether a leg passes every non-empty criterion.
func (f HistoryFilter) Matches(t LedgerTransaction) bool {
	if f.UserID != "" && !t.Involves(f.UserID) {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	if f.Before > 0 && t.Seq >= f.Before {
		return false
	}
	return true
}
