// Package auction implements the lifecycle manager and the bid acceptance
// pipeline. All per-item mutable state lives in the shared ephemeral store
// and is only touched through its conditional-update operations, so any
// number of coordinator replicas can run this code concurrently.
package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/ledger"
	"github.com/openbid/auction-coordinator/internal/models"
	"github.com/openbid/auction-coordinator/internal/store"
)

// StateStore is the ephemeral auction state surface the coordinator mutates.
// Implemented by store.Store; faked in tests.
type StateStore interface {
	PlaceBid(ctx context.Context, itemID, bidderID string, amount, startingPrice float64, now time.Time) (*store.PlaceResult, error)
	Close(ctx context.Context, itemID string, force bool, now time.Time) (*store.CloseResult, error)
	ClearDeadline(ctx context.Context, itemID string) error
	Snapshot(ctx context.Context, itemID string) (*store.Snapshot, error)
}

// Notifier fans auction events out to room subscribers. Delivery is best
// effort; the status query is the source of truth.
type Notifier interface {
	PublishEvent(ctx context.Context, ev *models.Event) error
}

// Appender durably records an accepted bid. Append must be idempotent on
// bid id and must not return nil unless the record is persisted.
type Appender interface {
	Append(ctx context.Context, bid *models.Bid) error
}

// Catalog is the durable item/ledger surface the coordinator reads and
// mirrors outcomes onto.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	MirrorOutcome(ctx context.Context, itemID, winnerID string, finalAmount float64, endedAt time.Time) error
	GetBidHistory(ctx context.Context, itemID string, limit int) ([]*models.Bid, error)
}

const historyLimit = 500

// Coordinator owns the Inactive -> Active -> Ended state machine for every
// item and serializes bid acceptance through the store's conditional updates.
type Coordinator struct {
	store    StateStore
	catalog  Catalog
	appender Appender
	notifier Notifier
	log      zerolog.Logger

	// Local price cache pre-filters obviously-low bids before the CAS
	// round-trip. Never authoritative: a cache hit is re-verified against
	// the store before any rejection.
	priceCache sync.Map

	nowFunc       func() time.Time
	mirrorBackoff time.Duration
}

// New wires a Coordinator.
func New(st StateStore, catalog Catalog, appender Appender, notifier Notifier, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         st,
		catalog:       catalog,
		appender:      appender,
		notifier:      notifier,
		log:           log.With().Str("component", "coordinator").Logger(),
		nowFunc:       time.Now,
		mirrorBackoff: 500 * time.Millisecond,
	}
}

func rejected(reason string, current, yours float64) *models.BidOutcome {
	return &models.BidOutcome{
		Accepted:   false,
		Reason:     reason,
		CurrentBid: current,
		YourBid:    yours,
	}
}

// SubmitBid runs the full acceptance pipeline for one bid attempt. Business
// rejections come back as an outcome with a reason; only infrastructure
// failures return an error, and an error is never a silent accept.
func (c *Coordinator) SubmitBid(ctx context.Context, itemID string, req *models.BidRequest) (*models.BidOutcome, error) {
	if req.Amount <= 0 {
		return rejected(models.ReasonInvalidAmount, 0, req.Amount), nil
	}
	if req.BidderID == "" {
		return rejected(models.ReasonMissingBidder, 0, req.Amount), nil
	}

	item, err := c.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if item == nil {
		return rejected(models.ReasonUnknownItem, 0, req.Amount), nil
	}
	if !item.AuctionEnabled {
		return rejected(models.ReasonNotAuctioned, item.StartPrice, req.Amount), nil
	}
	if item.Status == models.ItemStatusEnded {
		// The durable record is terminal even after the ephemeral keys
		// expire; a bid must never start a second instance for this item.
		return rejected(models.ReasonAuctionEnded, item.FinalAmount, req.Amount), nil
	}
	if item.SellerID == req.BidderID {
		return rejected(models.ReasonOwnerBid, 0, req.Amount), nil
	}

	// Pre-filter against the local cache, verified against the store so a
	// stale cache can never reject a valid bid.
	if cached, ok := c.priceCache.Load(itemID); ok && req.Amount <= cached.(float64) {
		snap, err := c.store.Snapshot(ctx, itemID)
		if err == nil && snap.Exists {
			c.priceCache.Store(itemID, snap.LeaderAmount)
			if req.Amount <= snap.LeaderAmount {
				return rejected(tooLowReason(snap.LeaderAmount), snap.LeaderAmount, req.Amount), nil
			}
		}
	}

	now := c.nowFunc().UTC()
	res, err := c.store.PlaceBid(ctx, itemID, req.BidderID, req.Amount, item.StartPrice, now)
	if err != nil {
		return nil, fmt.Errorf("failed to place bid: %w", err)
	}

	switch res.Status {
	case store.PlaceEnded:
		return rejected(models.ReasonAuctionEnded, res.CurrentAmount, req.Amount), nil
	case store.PlaceTooLow:
		// Covers both a plainly low bid and a lost race against a
		// concurrent higher bid; either way the reason names the amount
		// that currently leads.
		c.priceCache.Store(itemID, res.CurrentAmount)
		return rejected(tooLowReason(res.CurrentAmount), res.CurrentAmount, req.Amount), nil
	}

	// The store accepted: this bid now leads. Record it durably before
	// reporting success; the ledger and the leader must not diverge.
	bid := &models.Bid{
		ID:          uuid.New().String(),
		ItemID:      itemID,
		BidderID:    req.BidderID,
		Amount:      req.Amount,
		SubmittedAt: now,
	}
	if err := c.appender.Append(ctx, bid); err != nil {
		// The ephemeral leader already moved. This divergence must never
		// be swallowed: surface it loudly and fail the request.
		c.log.Error().Err(err).
			Str("item_id", itemID).
			Str("bid_id", bid.ID).
			Float64("amount", req.Amount).
			Msg("ledger append failed after leader update; ledger and leader diverge")
		return nil, fmt.Errorf("failed to record accepted bid: %w", err)
	}

	c.priceCache.Store(itemID, req.Amount)

	started := res.Status == store.PlaceStarted
	if started {
		c.publish(ctx, &models.Event{
			Type:    models.EventStarted,
			ItemID:  itemID,
			Started: &models.StartedPayload{DeadlineAt: res.DeadlineAt},
		})
	}
	c.publish(ctx, &models.Event{
		Type:   models.EventUpdated,
		ItemID: itemID,
		Updated: &models.UpdatedPayload{
			LeaderAmount: req.Amount,
			BidderID:     req.BidderID,
			Timestamp:    now,
		},
	})

	outcome := &models.BidOutcome{
		Accepted:   true,
		BidID:      bid.ID,
		CurrentBid: req.Amount,
		YourBid:    req.Amount,
		Started:    started,
	}
	if !res.DeadlineAt.IsZero() {
		d := res.DeadlineAt
		outcome.DeadlineAt = &d
	}
	return outcome, nil
}

func tooLowReason(current float64) string {
	return fmt.Sprintf("%s: current highest bid is %.2f", models.ReasonBidTooLow, current)
}

// CloseOutcome reports the terminal state reached by a closure attempt.
type CloseOutcome struct {
	Closed       bool    `json:"closed"`
	AlreadyEnded bool    `json:"already_ended"`
	WinnerID     string  `json:"winner_id"`
	FinalAmount  float64 `json:"final_amount"`
}

// Close drives the Active -> Ended transition. force=false is the deadline
// path and is a no-op while the auction is not yet due; force=true is the
// administrative end-now path. Closure is idempotent: a duplicate trigger
// observes the frozen outcome and re-ensures the durable mirror.
func (c *Coordinator) Close(ctx context.Context, itemID string, force bool) (*CloseOutcome, error) {
	now := c.nowFunc().UTC()
	res, err := c.store.Close(ctx, itemID, force, now)
	if err != nil {
		return nil, fmt.Errorf("failed to close auction: %w", err)
	}

	switch res.Status {
	case store.CloseNotDue:
		return &CloseOutcome{}, nil
	case store.CloseInactive:
		return nil, ErrNoActiveAuction
	}

	// Mirror the outcome to durable storage before the ephemeral entry can
	// expire. Losing this write loses the auction result permanently, so we
	// retry until it lands or the context dies. Re-running it on a
	// duplicate trigger is safe.
	if err := c.mirrorWithRetry(ctx, itemID, res.WinnerID, res.FinalAmount, now); err != nil {
		return nil, err
	}

	// Only now is the deadline entry dropped: if we die anywhere above, the
	// entry keeps any replica's reaper re-driving this closure until the
	// mirror lands. Failing the removal just means one more harmless no-op
	// close next tick.
	if err := c.store.ClearDeadline(ctx, itemID); err != nil {
		c.log.Warn().Err(err).Str("item_id", itemID).Msg("failed to clear deadline entry")
	}

	if res.Status == store.CloseClosed {
		c.publish(ctx, &models.Event{
			Type:   models.EventEnded,
			ItemID: itemID,
			Ended:  &models.EndedPayload{FinalAmount: res.FinalAmount, WinnerID: res.WinnerID},
		})
		c.log.Info().
			Str("item_id", itemID).
			Str("winner_id", res.WinnerID).
			Float64("final_amount", res.FinalAmount).
			Bool("forced", force).
			Msg("auction closed")
	}

	return &CloseOutcome{
		Closed:       res.Status == store.CloseClosed,
		AlreadyEnded: res.Status == store.CloseAlreadyEnded,
		WinnerID:     res.WinnerID,
		FinalAmount:  res.FinalAmount,
	}, nil
}

func (c *Coordinator) mirrorWithRetry(ctx context.Context, itemID, winnerID string, finalAmount float64, endedAt time.Time) error {
	backoff := c.mirrorBackoff
	for {
		err := c.catalog.MirrorOutcome(ctx, itemID, winnerID, finalAmount, endedAt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrOutcomeConflict) {
			// The durable record already holds a different terminal
			// outcome. No retry can reconcile that; surface it loudly.
			c.log.Error().Err(err).
				Str("item_id", itemID).
				Str("winner_id", winnerID).
				Float64("final_amount", finalAmount).
				Msg("auction outcome conflicts with the durable record")
			return fmt.Errorf("failed to mirror auction outcome: %w", err)
		}
		c.log.Error().Err(err).
			Str("item_id", itemID).
			Dur("retry_in", backoff).
			Msg("failed to mirror auction outcome; retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("mirror of auction outcome interrupted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, ev *models.Event) {
	if err := c.notifier.PublishEvent(ctx, ev); err != nil {
		c.log.Warn().Err(err).
			Str("item_id", ev.ItemID).
			Str("event", string(ev.Type)).
			Msg("failed to publish event")
	}
}
