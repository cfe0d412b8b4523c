package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/openbid/auction-coordinator/internal/models"
)

// StatusView is the pull-fallback answer to "what is this auction doing
// right now". Built from the ephemeral store while it lives, from the
// durable mirror after it expires.
type StatusView struct {
	IsEnded    bool       `json:"is_ended"`
	WinnerID   string     `json:"winner_id,omitempty"`
	CurrentBid float64    `json:"current_bid"`
	TimeLeftMs int64      `json:"time_left_ms"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// BidsView is the initial-load payload for an item page.
type BidsView struct {
	Bids          []*models.Bid `json:"bids"`
	CurrentBid    float64       `json:"current_bid"`
	IsEnded       bool          `json:"is_ended"`
	WinnerID      string        `json:"winner_id,omitempty"`
	StartingPrice float64       `json:"starting_price"`
}

// HistoryView is the post-mortem payload: full ledger plus lifecycle times.
type HistoryView struct {
	Bids      []*models.Bid `json:"bids"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Status reports the current auction state for an item.
func (c *Coordinator) Status(ctx context.Context, itemID string) (*StatusView, error) {
	item, err := c.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if item == nil {
		return nil, ErrUnknownItem
	}

	snap, err := c.store.Snapshot(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read auction state: %w", err)
	}

	view := &StatusView{CurrentBid: item.StartPrice}
	now := c.nowFunc().UTC()

	switch {
	case snap.Ended:
		view.IsEnded = true
		view.WinnerID = snap.WinnerID
		view.CurrentBid = snap.FinalAmount
	case snap.Exists:
		view.CurrentBid = snap.LeaderAmount
		if !snap.DeadlineAt.IsZero() {
			d := snap.DeadlineAt
			view.DeadlineAt = &d
			if left := d.Sub(now); left > 0 {
				view.TimeLeftMs = left.Milliseconds()
			}
		}
	case item.Status == models.ItemStatusEnded:
		// Ephemeral state expired; the durable mirror is the answer.
		view.IsEnded = true
		view.WinnerID = item.WinnerID
		view.CurrentBid = item.FinalAmount
	default:
		if item.CurrentBid > item.StartPrice {
			view.CurrentBid = item.CurrentBid
		}
	}
	return view, nil
}

// Bids returns the bid list and headline state for an item. A non-auction
// item yields an empty, non-error payload so callers need not special-case
// it.
func (c *Coordinator) Bids(ctx context.Context, itemID string) (*BidsView, error) {
	item, err := c.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if item == nil {
		return nil, ErrUnknownItem
	}

	view := &BidsView{
		Bids:          []*models.Bid{},
		CurrentBid:    item.StartPrice,
		StartingPrice: item.StartPrice,
	}
	if !item.AuctionEnabled {
		return view, nil
	}

	bids, err := c.catalog.GetBidHistory(ctx, itemID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}
	if bids != nil {
		view.Bids = bids
	}

	status, err := c.Status(ctx, itemID)
	if err != nil {
		return nil, err
	}
	view.IsEnded = status.IsEnded
	view.WinnerID = status.WinnerID
	if status.CurrentBid > view.CurrentBid {
		view.CurrentBid = status.CurrentBid
	}
	return view, nil
}

// History returns the full ledger plus the auction's start/end timestamps.
func (c *Coordinator) History(ctx context.Context, itemID string) (*HistoryView, error) {
	item, err := c.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if item == nil {
		return nil, ErrUnknownItem
	}

	bids, err := c.catalog.GetBidHistory(ctx, itemID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}

	view := &HistoryView{Bids: bids}
	if view.Bids == nil {
		view.Bids = []*models.Bid{}
	}
	view.StartedAt = item.AuctionStartedAt
	view.EndedAt = item.AuctionEndedAt

	// Prefer live timestamps while the ephemeral state is still around.
	if snap, err := c.store.Snapshot(ctx, itemID); err == nil {
		if !snap.StartedAt.IsZero() {
			t := snap.StartedAt
			view.StartedAt = &t
		}
	}
	return view, nil
}
