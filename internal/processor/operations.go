package processor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/idempotency"
)

type TopupRequest struct {
	UserID         string
	Amount         int64
	Currency       string
	Gateway        string
	GatewayID      string
	IdempotencyKey string
}

type ReserveRequest struct {
	UserID         string
	SessionID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type ReleaseRequest struct {
	UserID         string
	SessionID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type CompleteSessionRequest struct {
	SessionID      string
	StudentID      string
	MentorID       string
	TotalAmount    int64
	Currency       string
	FeePercent     decimal.Decimal
	IdempotencyKey string
}

type MentorReleaseRequest struct {
	MentorID       string
	SessionID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Topup credits a student's available balance with funds received from a
// payment gateway.
func (p *Processor) Topup(ctx context.Context, req TopupRequest) (Result, error) {
	currency, err := p.currency(req.Currency)
	if err != nil {
		return Result{}, err
	}
	if err := required("user id", req.UserID, "gateway", req.Gateway, "gateway id", req.GatewayID); err != nil {
		return Result{}, err
	}
	if req.Amount < p.cfg.TopupMin || req.Amount > p.cfg.TopupMax {
		return Result{}, fmt.Errorf("%w: topup %d outside [%d, %d]", domain.ErrInvalidAmount, req.Amount, p.cfg.TopupMin, p.cfg.TopupMax)
	}

	available, _ := domain.Student(req.UserID)
	return p.run(ctx, operation{
		name:        "topup",
		key:         req.IdempotencyKey,
		fingerprint: idempotency.Fingerprint("topup", req.UserID, amount(req.Amount), currency, req.Gateway, req.GatewayID),
		accounts:    []domain.AccountID{available, domain.Gateway()},
		fields:      logrus.Fields{"user_id": req.UserID, "amount": req.Amount},
		build: func(pl *plan) error {
			return pl.addLeg(legSpec{
				typ:       domain.TxTopup,
				from:      domain.Gateway(),
				to:        available,
				amount:    req.Amount,
				userID:    req.UserID,
				gateway:   req.Gateway,
				gatewayID: req.GatewayID,
			})
		},
	})
}

// Reserve locks funds of a student for a session. A session may be reserved
// against more than once until it is captured.
func (p *Processor) Reserve(ctx context.Context, req ReserveRequest) (Result, error) {
	currency, err := p.currency(req.Currency)
	if err != nil {
		return Result{}, err
	}
	if err := required("user id", req.UserID, "session id", req.SessionID); err != nil {
		return Result{}, err
	}
	if err := positive(req.Amount); err != nil {
		return Result{}, err
	}

	available, locked := domain.Student(req.UserID)
	return p.run(ctx, operation{
		name:        "reserve",
		key:         req.IdempotencyKey,
		fingerprint: idempotency.Fingerprint("reserve", req.UserID, req.SessionID, amount(req.Amount), currency),
		sessionID:   req.SessionID,
		accounts:    []domain.AccountID{available, locked},
		fields:      logrus.Fields{"user_id": req.UserID, "session_id": req.SessionID, "amount": req.Amount},
		build: func(pl *plan) error {
			hold := domain.SessionHold{SessionID: req.SessionID, StudentID: req.UserID, Currency: currency}
			if pl.session != nil {
				hold = *pl.session
				if hold.StudentID != req.UserID {
					return fmt.Errorf("%w: session %s belongs to another student", domain.ErrInvalidRequest, req.SessionID)
				}
				if hold.Captured() {
					return fmt.Errorf("%w: %s", domain.ErrSessionClosed, req.SessionID)
				}
			}
			if err := pl.addLeg(legSpec{
				typ:    domain.TxReserve,
				from:   available,
				to:     locked,
				amount: req.Amount,
				userID: req.UserID,
			}); err != nil {
				return err
			}
			hold.StudentLocked += req.Amount
			pl.writeSession(hold)
			return nil
		},
	})
}

// Release returns locked funds of a session to the student. It never
// releases more than that session has locked, and is allowed after capture
// to refund what the capture did not use.
func (p *Processor) Release(ctx context.Context, req ReleaseRequest) (Result, error) {
	if _, err := p.currency(req.Currency); err != nil {
		return Result{}, err
	}
	if err := required("user id", req.UserID, "session id", req.SessionID); err != nil {
		return Result{}, err
	}
	if err := positive(req.Amount); err != nil {
		return Result{}, err
	}

	available, locked := domain.Student(req.UserID)
	return p.run(ctx, operation{
		name:        "release",
		key:         req.IdempotencyKey,
		fingerprint: idempotency.Fingerprint("release", req.UserID, req.SessionID, amount(req.Amount), p.cfg.Currency),
		sessionID:   req.SessionID,
		accounts:    []domain.AccountID{available, locked},
		fields:      logrus.Fields{"user_id": req.UserID, "session_id": req.SessionID, "amount": req.Amount},
		build: func(pl *plan) error {
			hold, err := pl.requireSession(req.SessionID)
			if err != nil {
				return err
			}
			if hold.StudentID != req.UserID {
				return fmt.Errorf("%w: session %s belongs to another student", domain.ErrInvalidRequest, req.SessionID)
			}
			if req.Amount > hold.StudentLocked {
				return fmt.Errorf("%w: session %s has %d locked, release of %d requested",
					domain.ErrInsufficientFunds, req.SessionID, hold.StudentLocked, req.Amount)
			}
			if err := pl.addLeg(legSpec{
				typ:    domain.TxRelease,
				from:   locked,
				to:     available,
				amount: req.Amount,
				userID: req.UserID,
			}); err != nil {
				return err
			}
			hold.StudentLocked -= req.Amount
			pl.writeSession(hold)
			return nil
		},
	})
}

// CompleteSession captures a session's reservation and splits it between
// the mentor and the platform in one atomic group of up to three legs.
func (p *Processor) CompleteSession(ctx context.Context, req CompleteSessionRequest) (Result, error) {
	if _, err := p.currency(req.Currency); err != nil {
		return Result{}, err
	}
	if err := required("session id", req.SessionID, "student id", req.StudentID, "mentor id", req.MentorID); err != nil {
		return Result{}, err
	}
	if req.StudentID == req.MentorID {
		return Result{}, fmt.Errorf("%w: student and mentor must differ", domain.ErrInvalidRequest)
	}
	if err := positive(req.TotalAmount); err != nil {
		return Result{}, err
	}
	mentorAmount, platformFee, err := domain.SplitFee(req.TotalAmount, req.FeePercent)
	if err != nil {
		return Result{}, err
	}

	_, studentLocked := domain.Student(req.StudentID)
	_, mentorLocked := domain.Mentor(req.MentorID)
	return p.run(ctx, operation{
		name: "complete_session",
		key:  req.IdempotencyKey,
		fingerprint: idempotency.Fingerprint("complete_session", req.SessionID, req.StudentID, req.MentorID,
			amount(req.TotalAmount), p.cfg.Currency, req.FeePercent.String()),
		sessionID: req.SessionID,
		accounts:  []domain.AccountID{studentLocked, mentorLocked, domain.Revenue(), domain.Gateway()},
		fields: logrus.Fields{
			"session_id": req.SessionID,
			"user_id":    req.StudentID,
			"mentor_id":  req.MentorID,
			"amount":     req.TotalAmount,
		},
		build: func(pl *plan) error {
			hold, err := pl.requireSession(req.SessionID)
			if err != nil {
				return err
			}
			if hold.StudentID != req.StudentID {
				return fmt.Errorf("%w: session %s belongs to another student", domain.ErrInvalidRequest, req.SessionID)
			}
			if hold.Captured() {
				return fmt.Errorf("%w: %s", domain.ErrSessionClosed, req.SessionID)
			}
			if req.TotalAmount > hold.StudentLocked {
				return fmt.Errorf("%w: session %s has %d locked, capture of %d requested",
					domain.ErrInsufficientFunds, req.SessionID, hold.StudentLocked, req.TotalAmount)
			}

			legs := []legSpec{
				{typ: domain.TxCapture, suffix: idempotency.DerivedKeySep + "capture", from: studentLocked, to: domain.Gateway(),
					amount: req.TotalAmount, userID: req.StudentID, counterparty: req.MentorID},
				{typ: domain.TxMentorLock, suffix: idempotency.DerivedKeySep + "mentor", from: domain.Gateway(), to: mentorLocked,
					amount: mentorAmount, userID: req.MentorID, counterparty: req.StudentID},
				{typ: domain.TxFee, suffix: idempotency.DerivedKeySep + "fee", from: domain.Gateway(), to: domain.Revenue(),
					amount: platformFee, userID: domain.PlatformOwnerID, counterparty: req.StudentID},
			}
			for _, leg := range legs {
				// Legs are strictly positive; a 0% or 100% fee drops one split leg.
				if leg.amount == 0 {
					continue
				}
				if err := pl.addLeg(leg); err != nil {
					return err
				}
			}
			hold.StudentLocked -= req.TotalAmount
			hold.MentorID = req.MentorID
			hold.MentorLocked = mentorAmount
			hold.CapturedAt = pl.now
			pl.writeSession(hold)
			return nil
		},
	})
}

// ReleaseMentorEarnings makes captured mentor earnings of a session
// available once the settlement hold has elapsed.
func (p *Processor) ReleaseMentorEarnings(ctx context.Context, req MentorReleaseRequest) (Result, error) {
	if _, err := p.currency(req.Currency); err != nil {
		return Result{}, err
	}
	if err := required("mentor id", req.MentorID, "session id", req.SessionID); err != nil {
		return Result{}, err
	}
	if err := positive(req.Amount); err != nil {
		return Result{}, err
	}

	available, locked := domain.Mentor(req.MentorID)
	return p.run(ctx, operation{
		name:        "mentor_release",
		key:         req.IdempotencyKey,
		fingerprint: idempotency.Fingerprint("mentor_release", req.MentorID, req.SessionID, amount(req.Amount), p.cfg.Currency),
		sessionID:   req.SessionID,
		accounts:    []domain.AccountID{available, locked},
		fields:      logrus.Fields{"mentor_id": req.MentorID, "session_id": req.SessionID, "amount": req.Amount},
		build: func(pl *plan) error {
			hold, err := pl.requireSession(req.SessionID)
			if err != nil {
				return err
			}
			if !hold.Captured() {
				return fmt.Errorf("%w: session %s is not captured", domain.ErrSettlementHold, req.SessionID)
			}
			if hold.MentorID != req.MentorID {
				return fmt.Errorf("%w: session %s belongs to another mentor", domain.ErrInvalidRequest, req.SessionID)
			}
			if settles := hold.SettlesAt(pl.hold); pl.now.Before(settles) {
				return fmt.Errorf("%w: session %s settles at %s", domain.ErrSettlementHold, req.SessionID, settles.Format(time.RFC3339))
			}
			if req.Amount > hold.MentorPending() {
				return fmt.Errorf("%w: session %s has %d pending, release of %d requested",
					domain.ErrInsufficientFunds, req.SessionID, hold.MentorPending(), req.Amount)
			}
			if err := pl.addLeg(legSpec{
				typ:          domain.TxMentorRelease,
				from:         locked,
				to:           available,
				amount:       req.Amount,
				userID:       req.MentorID,
				counterparty: hold.StudentID,
			}); err != nil {
				return err
			}
			hold.MentorReleased += req.Amount
			pl.writeSession(hold)
			return nil
		},
	})
}

func (pl *plan) requireSession(sessionID string) (domain.SessionHold, error) {
	if pl.session == nil {
		return domain.SessionHold{}, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	return *pl.session, nil
}

// currency resolves the request currency. Conversion is not supported, so
// anything but the ledger currency is rejected.
func (p *Processor) currency(c string) (string, error) {
	if c == "" {
		return p.cfg.Currency, nil
	}
	if !strings.EqualFold(c, p.cfg.Currency) {
		return "", fmt.Errorf("%w: currency %s is not %s", domain.ErrInvalidRequest, c, p.cfg.Currency)
	}
	return p.cfg.Currency, nil
}

// required takes name/value pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", domain.ErrInvalidRequest, pairs[i])
		}
	}
	return nil
}

func positive(v int64) error {
	if v <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidAmount, v)
	}
	return nil
}

func amount(v int64) string {
	return strconv.FormatInt(v, 10)
}
