package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openbid/auction-coordinator/internal/models"
	"github.com/openbid/auction-coordinator/internal/store"
)

type fakeDurable struct {
	item *models.Item
}

func (f *fakeDurable) GetItem(context.Context, string) (*models.Item, error) {
	return f.item, nil
}

type fakeEphemeral struct {
	snap store.Snapshot
}

func (f *fakeEphemeral) Snapshot(context.Context, string) (*store.Snapshot, error) {
	s := f.snap
	return &s, nil
}

func endedItem() *models.Item {
	t := time.Date(2025, 6, 1, 12, 20, 0, 0, time.UTC)
	return &models.Item{
		ID:             "item-1",
		SellerID:       "seller-1",
		StartPrice:     100,
		AuctionEnabled: true,
		Status:         models.ItemStatusEnded,
		WinnerID:       "bidder-b",
		FinalAmount:    200,
		AuctionEndedAt: &t,
	}
}

func TestAuthorizeWinner(t *testing.T) {
	g := New(&fakeDurable{item: endedItem()}, &fakeEphemeral{})
	err := g.Authorize(context.Background(), "item-1", "bidder-b", 200)
	assert.NoError(t, err)
}

func TestAuthorizeDeniesNonWinner(t *testing.T) {
	g := New(&fakeDurable{item: endedItem()}, &fakeEphemeral{})
	err := g.Authorize(context.Background(), "item-1", "bidder-a", 200)
	assert.ErrorIs(t, err, ErrNotWinner)
}

func TestAuthorizeDeniesWrongAmount(t *testing.T) {
	g := New(&fakeDurable{item: endedItem()}, &fakeEphemeral{})
	err := g.Authorize(context.Background(), "item-1", "bidder-b", 150)
	assert.ErrorIs(t, err, ErrWrongAmount)
}

func TestAuthorizeOpenAuction(t *testing.T) {
	item := endedItem()
	item.Status = models.ItemStatusOpen
	item.WinnerID = ""
	g := New(&fakeDurable{item: item}, &fakeEphemeral{snap: store.Snapshot{Exists: true}})
	err := g.Authorize(context.Background(), "item-1", "bidder-b", 200)
	assert.ErrorIs(t, err, ErrAuctionOpen)
}

// Ended in the ephemeral store but not yet mirrored: transient, retryable,
// and distinct from a permanent denial.
func TestAuthorizePendingMirror(t *testing.T) {
	item := endedItem()
	item.Status = models.ItemStatusOpen
	item.WinnerID = ""
	g := New(&fakeDurable{item: item}, &fakeEphemeral{snap: store.Snapshot{
		Exists: true, Ended: true, WinnerID: "bidder-b", FinalAmount: 200,
	}})
	err := g.Authorize(context.Background(), "item-1", "bidder-b", 200)
	assert.ErrorIs(t, err, ErrOutcomePending)
	assert.NotErrorIs(t, err, ErrNotWinner)
}

func TestAuthorizeUnknownItem(t *testing.T) {
	g := New(&fakeDurable{}, &fakeEphemeral{})
	err := g.Authorize(context.Background(), "missing", "bidder-b", 200)
	assert.ErrorIs(t, err, ErrUnknownItem)
}
