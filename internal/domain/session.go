package domain

import "time"

// SessionHold tracks the funds locked for a single mentoring session so a
// release or capture never touches another session's reservation.
type SessionHold struct {
	SessionID      string    `json:"session_id"`
	StudentID      string    `json:"student_id"`
	MentorID       string    `json:"mentor_id,omitempty"`
	Currency       string    `json:"currency"`
	StudentLocked  int64     `json:"student_locked"`
	MentorLocked   int64     `json:"mentor_locked"`
	MentorReleased int64     `json:"mentor_released"`
	CapturedAt     time.Time `json:"captured_at,omitempty"`
	// Version is bumped on every write and used as a compare-and-swap guard.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h SessionHold) Captured() bool {
	return !h.CapturedAt.IsZero()
}

// MentorPending is the captured mentor share not yet released.
func (h SessionHold) MentorPending() int64 {
	return h.MentorLocked - h.MentorReleased
}

// SettlesAt is the earliest time mentor earnings may be released.
func (h SessionHold) SettlesAt(hold time.Duration) time.Time {
	return h.CapturedAt.Add(hold)
}
