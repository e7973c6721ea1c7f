// Package query serves read-only views of committed ledger legs.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

// Reader is the read side of the ledger store. Implementations only ever
// return legs of committed groups.
type Reader interface {
	History(ctx context.Context, f domain.HistoryFilter) ([]domain.LedgerTransaction, error)
	SessionTransactions(ctx context.Context, sessionID string) ([]domain.LedgerTransaction, error)
}

const DefaultLimit = 50

type Service struct {
	reader Reader
}

func New(reader Reader) *Service {
	return &Service{reader: reader}
}

// Page is one page of history, newest first. NextBefore is the cursor for
// the following page and zero when there is none.
type Page struct {
	Transactions []domain.LedgerTransaction `json:"transactions"`
	NextBefore   int64                      `json:"next_before,omitempty"`
}

// History returns legs where the user is payer or counterparty.
func (s *Service) History(ctx context.Context, f domain.HistoryFilter) (Page, error) {
	if strings.TrimSpace(f.UserID) == "" && strings.TrimSpace(f.SessionID) == "" {
		return Page{}, fmt.Errorf("%w: user id or session id is required", domain.ErrInvalidRequest)
	}
	if f.Limit < 0 {
		return Page{}, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	switch {
	case f.Limit == 0:
		f.Limit = DefaultLimit
	case f.Limit > store.MaxHistoryLimit:
		f.Limit = store.MaxHistoryLimit
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return Page{}, fmt.Errorf("%w: from must be before to", domain.ErrInvalidRequest)
	}

	legs, err := s.reader.History(ctx, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Transactions: legs}
	if len(legs) == f.Limit {
		page.NextBefore = legs[len(legs)-1].Seq
	}
	return page, nil
}

// Session returns every leg of a session in creation order.
func (s *Service) Session(ctx context.Context, sessionID string) ([]domain.LedgerTransaction, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidRequest)
	}
	return s.reader.SessionTransactions(ctx, sessionID)
}
