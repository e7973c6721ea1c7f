package domain

import "errors"

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrUnknownSession         = errors.New("unknown session")
	ErrSessionClosed          = errors.New("session already captured")
	ErrSettlementHold         = errors.New("settlement hold has not elapsed")
	ErrIdempotencyMismatch    = errors.New("idempotency key reused with a different request")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPersistence            = errors.New("persistence failure")
	ErrInvariantViolation     = errors.New("ledger invariant violation")
)

// Kind is the closed error taxonomy exposed to callers.
type Kind int

const (
	KindNone Kind = iota
	KindInsufficientFunds
	KindInvalidAmount
	KindInvalidRequest
	KindUnknownSession
	KindSessionClosed
	KindSettlementHold
	KindIdempotencyMismatch
	KindConcurrentModification
	KindPersistence
	KindInvariantViolation
)

var kindErrors = []struct {
	err  error
	kind Kind
}{
	{ErrInvariantViolation, KindInvariantViolation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrUnknownSession, KindUnknownSession},
	{ErrSessionClosed, KindSessionClosed},
	{ErrSettlementHold, KindSettlementHold},
	{ErrIdempotencyMismatch, KindIdempotencyMismatch},
	{ErrConcurrentModification, KindConcurrentModification},
	{ErrPersistence, KindPersistence},
}

// KindOf classifies err. Unclassified errors count as persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindPersistence
}

// Retriable reports whether the same request may succeed if tried again.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindConcurrentModification, KindPersistence:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvalidAmount:
		return "invalid_amount"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnknownSession:
		return "unknown_session"
	case KindSessionClosed:
		return "session_closed"
	case KindSettlementHold:
		return "settlement_hold"
	case KindIdempotencyMismatch:
		return "idempotency_mismatch"
	case KindConcurrentModification:
		return "concurrent_modification"
	case KindPersistence:
		return "persistence_failure"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}
