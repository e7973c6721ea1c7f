package models

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// TopupRequest is the payload for crediting a student wallet.
type TopupRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	Gateway   string `json:"gateway"`
	GatewayID string `json:"gateway_id"`
}

// HoldRequest is the payload for reserving or releasing session funds.
type HoldRequest struct {
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// CompletionRequest captures a session's reserved funds.
type CompletionRequest struct {
	StudentID   string          `json:"student_id"`
	MentorID    string          `json:"mentor_id"`
	TotalAmount int64           `json:"total_amount"`
	Currency    string          `json:"currency,omitempty"`
	// FeePercent is a fraction in [0,1], e.g. "0.15".
	FeePercent decimal.Decimal `json:"fee_percent"`
}

type MentorReleaseRequest struct {
	MentorID string `json:"mentor_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// OperationResponse is the canonical response for every mutation. Replayed
// is true when the idempotency key had already been applied.
type OperationResponse struct {
	GroupID      string                     `json:"group_id"`
	Replayed     bool                       `json:"replayed"`
	Transactions []domain.LedgerTransaction `json:"transactions"`
}

type HistoryResponse struct {
	Transactions []domain.LedgerTransaction `json:"transactions"`
	NextBefore   int64                      `json:"next_before,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}
