package domain

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency key.
type IdempotencyStatus string

const (
	IdempotencyPending IdempotencyStatus = "pending"
	IdempotencyApplied IdempotencyStatus = "applied"
	IdempotencyFailed  IdempotencyStatus = "failed"
)

// IdempotencyRecord guards a logical operation against repeated execution.
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	Fingerprint    string            `json:"fingerprint"`
	Status         IdempotencyStatus `json:"status"`
	LeaseToken     string            `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	ResultTxIDs    []string          `json:"result_tx_ids,omitempty"`
	Failure        string            `json:"failure,omitempty"`
	Attempts       int               `json:"attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	AppliedAt      time.Time         `json:"applied_at,omitempty"`
	// ExpiresAt is when the record becomes eligible for purge.
	ExpiresAt time.Time `json:"expires_at"`
}

// Terminal reports whether the record reached applied or failed.
func (r IdempotencyRecord) Terminal() bool {
	return r.Status == IdempotencyApplied || r.Status == IdempotencyFailed
}

// Completion marks a pending record applied. It is persisted in the same
// atomic unit as the ledger group and only succeeds while LeaseToken still
// owns the key.
type Completion struct {
	Key         string
	LeaseToken  string
	ResultTxIDs []string
	AppliedAt   time.Time
	ExpiresAt   time.Time
}
