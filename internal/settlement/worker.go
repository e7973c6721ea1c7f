// Package settlement releases captured mentor earnings once their hold has
// elapsed.
package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/mentorledger/internal/clock"
	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/processor"
)

type Source interface {
	DueSettlements(ctx context.Context, capturedBefore time.Time, limit int) ([]domain.SessionHold, error)
}

type Releaser interface {
	ReleaseMentorEarnings(ctx context.Context, req processor.MentorReleaseRequest) (processor.Result, error)
}

type Observer interface {
	ObserveSettlement(released int, err error)
}

type Options struct {
	Hold        time.Duration
	BatchSize   int
	Concurrency int
}

type Worker struct {
	source   Source
	releaser Releaser
	clock    clock.Clock
	opts     Options
	log      logrus.FieldLogger
	observer Observer
}

func NewWorker(source Source, releaser Releaser, clk clock.Clock, opts Options, log logrus.FieldLogger, observer Observer) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Worker{
		source:   source,
		releaser: releaser,
		clock:    clk,
		opts:     opts,
		log:      log.WithField("component", "settlement"),
		observer: observer,
	}
}

// Key is the idempotency key used to settle a session. It includes the
// amount already released so a partial manual release earlier does not
// collide with the sweep.
func Key(h domain.SessionHold) string {
	return fmt.Sprintf("settle_%s_%d", h.SessionID, h.MentorReleased)
}

// RunOnce releases every session that is due, one batch at a time, and
// returns how many sessions were settled. A session that fails is logged
// and left for the next run.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-w.opts.Hold)
	due, err := w.source.DueSettlements(ctx, cutoff, w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due settlements: %w", err)
	}

	var released, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, h := range due {
		g.Go(func() error {
			_, err := w.releaser.ReleaseMentorEarnings(ctx, processor.MentorReleaseRequest{
				MentorID:       h.MentorID,
				SessionID:      h.SessionID,
				Amount:         h.MentorPending(),
				Currency:       h.Currency,
				IdempotencyKey: Key(h),
			})
			if err != nil {
				failed.Add(1)
				w.log.WithError(err).WithFields(logrus.Fields{
					"session_id": h.SessionID,
					"mentor_id":  h.MentorID,
				}).Warn("settlement release failed")
				return nil
			}
			released.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return int(released.Load()), fmt.Errorf("%d of %d settlements failed", n, len(due))
	}
	return int(released.Load()), nil
}

// Start runs RunOnce every interval until ctx is done.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				released, err := w.RunOnce(ctx)
				if w.observer != nil {
					w.observer.ObserveSettlement(released, err)
				}
				if err != nil {
					w.log.WithError(err).Error("settlement run failed")
					continue
				}
				if released > 0 {
					w.log.WithField("released", released).Info("settled mentor earnings")
				}
			}
		}
	}()
}
