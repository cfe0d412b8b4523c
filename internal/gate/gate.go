// Package gate answers the downstream purchase-eligibility question: may
// bidder X buy item Y at price Z. It decides from durable data only — the
// ephemeral auction state may already have expired by the time a purchase
// arrives — but consults it to tell "mirror still in flight" apart from
// "auction still running".
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbid/auction-coordinator/internal/models"
	"github.com/openbid/auction-coordinator/internal/store"
)

var (
	// ErrUnknownItem means the item does not exist in the catalog.
	ErrUnknownItem = errors.New("unknown item")

	// ErrAuctionOpen means the auction has not ended; no purchase yet.
	ErrAuctionOpen = errors.New("auction is still open")

	// ErrOutcomePending means the auction has ended but the durable mirror
	// has not landed yet. Transient: the caller should retry, not treat it
	// as a denial.
	ErrOutcomePending = errors.New("auction outcome not yet recorded, retry")

	// ErrNotWinner is the permanent denial for anyone but the recorded
	// winner.
	ErrNotWinner = errors.New("bidder is not the auction winner")

	// ErrWrongAmount means the winner asked to purchase at a price other
	// than the recorded final amount.
	ErrWrongAmount = errors.New("purchase amount does not match final bid")
)

// DurableReader is the catalog surface the gate trusts.
type DurableReader interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
}

// EphemeralReader peeks at the live auction state, only to classify
// not-yet-mirrored closures as transient.
type EphemeralReader interface {
	Snapshot(ctx context.Context, itemID string) (*store.Snapshot, error)
}

// Gate is the purchase-eligibility checker.
type Gate struct {
	durable   DurableReader
	ephemeral EphemeralReader
}

// New wires a Gate.
func New(durable DurableReader, ephemeral EphemeralReader) *Gate {
	return &Gate{durable: durable, ephemeral: ephemeral}
}

// Authorize returns nil when the bidder may purchase the item at the given
// amount, or one of the package sentinel errors.
func (g *Gate) Authorize(ctx context.Context, itemID, bidderID string, amount float64) error {
	item, err := g.durable.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item: %w", err)
	}
	if item == nil {
		return ErrUnknownItem
	}

	if item.Status != models.ItemStatusEnded {
		// The durable record says open. If the ephemeral state already
		// reads Ended the mirror write is in flight; that is a transient
		// condition, distinct from a permanent denial.
		if snap, serr := g.ephemeral.Snapshot(ctx, itemID); serr == nil && snap.Ended {
			return ErrOutcomePending
		}
		return ErrAuctionOpen
	}

	if item.WinnerID == "" || item.WinnerID != bidderID {
		return ErrNotWinner
	}
	if item.FinalAmount != amount {
		return ErrWrongAmount
	}
	return nil
}
