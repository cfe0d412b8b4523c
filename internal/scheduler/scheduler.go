// Package scheduler closes auctions when their wall-clock deadline passes.
// Every coordinator replica runs a reaper; the closure itself is a
// conditional update in the shared store, so overlapping reapers and
// at-least-once firing collapse into exactly one closure per auction.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/auction"
)

// DeadlineSource lists auctions whose deadline is due. Implemented by the
// Redis store's deadlines ZSET.
type DeadlineSource interface {
	DueItems(ctx context.Context, now time.Time) ([]string, error)
}

// Closer drives the Active->Ended transition. Implemented by the
// coordinator.
type Closer interface {
	Close(ctx context.Context, itemID string, force bool) (*auction.CloseOutcome, error)
}

// Reaper polls for due deadlines and triggers closure.
type Reaper struct {
	source   DeadlineSource
	closer   Closer
	interval time.Duration
	log      zerolog.Logger
	nowFunc  func() time.Time
}

// NewReaper wires a Reaper polling at the given interval.
func NewReaper(source DeadlineSource, closer Closer, interval time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		source:   source,
		closer:   closer,
		interval: interval,
		log:      log.With().Str("component", "deadline-reaper").Logger(),
		nowFunc:  time.Now,
	}
}

// Run polls until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// reap closes every due auction. Failures are logged and left in the
// deadline set for the next tick; a duplicate close on an auction another
// replica already ended is a no-op.
func (r *Reaper) reap(ctx context.Context) {
	now := r.nowFunc().UTC()
	due, err := r.source.DueItems(ctx, now)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list due deadlines")
		return
	}

	for _, itemID := range due {
		out, err := r.closer.Close(ctx, itemID, false)
		if err != nil {
			if errors.Is(err, auction.ErrNoActiveAuction) {
				continue
			}
			r.log.Error().Err(err).Str("item_id", itemID).Msg("failed to close due auction")
			continue
		}
		if out.Closed {
			r.log.Info().
				Str("item_id", itemID).
				Str("winner_id", out.WinnerID).
				Float64("final_amount", out.FinalAmount).
				Msg("deadline closure fired")
		}
	}
}
