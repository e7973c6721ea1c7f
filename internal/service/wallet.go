// Package service is the wallet boundary the rest of the application calls.
package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/query"
	"github.com/punchamoorthee/mentorledger/internal/registry"
)

type WalletService struct {
	processor *processor.Processor
	registry  *registry.Registry
	query     *query.Service
	// flight coalesces identical in-process calls so duplicates share one
	// execution instead of racing for the idempotency lease.
	flight singleflight.Group
}

func NewWalletService(p *processor.Processor, reg *registry.Registry, q *query.Service) *WalletService {
	return &WalletService{processor: p, registry: reg, query: q}
}

func (s *WalletService) Topup(ctx context.Context, req processor.TopupRequest) (processor.Result, error) {
	return s.coalesce("topup", req.IdempotencyKey, req, func() (processor.Result, error) {
		return s.processor.Topup(ctx, req)
	})
}

func (s *WalletService) Reserve(ctx context.Context, req processor.ReserveRequest) (processor.Result, error) {
	return s.coalesce("reserve", req.IdempotencyKey, req, func() (processor.Result, error) {
		return s.processor.Reserve(ctx, req)
	})
}

func (s *WalletService) Release(ctx context.Context, req processor.ReleaseRequest) (processor.Result, error) {
	return s.coalesce("release", req.IdempotencyKey, req, func() (processor.Result, error) {
		return s.processor.Release(ctx, req)
	})
}

func (s *WalletService) CompleteSession(ctx context.Context, req processor.CompleteSessionRequest) (processor.Result, error) {
	return s.coalesce("complete_session", req.IdempotencyKey, req, func() (processor.Result, error) {
		return s.processor.CompleteSession(ctx, req)
	})
}

func (s *WalletService) ReleaseMentorEarnings(ctx context.Context, req processor.MentorReleaseRequest) (processor.Result, error) {
	return s.coalesce("mentor_release", req.IdempotencyKey, req, func() (processor.Result, error) {
		return s.processor.ReleaseMentorEarnings(ctx, req)
	})
}

func (s *WalletService) coalesce(op, key string, req any, fn func() (processor.Result, error)) (processor.Result, error) {
	if key == "" {
		return fn()
	}
	// The payload is part of the flight key so a reused key with a
	// different payload still reaches the mismatch check.
	v, err, _ := s.flight.Do(fmt.Sprintf("%s|%s|%v", op, key, req), func() (any, error) {
		return fn()
	})
	res, _ := v.(processor.Result)
	return res, err
}

// GetWallet returns a student's balances, creating the wallet on first read.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	return s.registry.StudentWallet(ctx, userID)
}

// GetMentorEarnings returns a mentor's settled and pending earnings.
func (s *WalletService) GetMentorEarnings(ctx context.Context, mentorID string) (domain.Wallet, error) {
	return s.registry.MentorWallet(ctx, mentorID)
}

func (s *WalletService) GetHistory(ctx context.Context, f domain.HistoryFilter) (query.Page, error) {
	return s.query.History(ctx, f)
}

func (s *WalletService) SessionTransactions(ctx context.Context, sessionID string) ([]domain.LedgerTransaction, error) {
	return s.query.Session(ctx, sessionID)
}

func (s *WalletService) Conservation(ctx context.Context) (registry.Conservation, error) {
	return s.registry.CheckConservation(ctx)
}

// Halted reports the invariant violation that stopped mutations, if any.
func (s *WalletService) Halted() error {
	return s.processor.Halted()
}

// FailureReason translates an error into the caller-facing reason code and
// whether the same request may be retried.
func FailureReason(err error) (reason string, retriable bool) {
	if err == nil {
		return "", false
	}
	return domain.KindOf(err).String(), domain.Retriable(err)
}
