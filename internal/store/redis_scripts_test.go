package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Lua scripts are the critical section of the whole coordinator, so they
// are exercised against a real command implementation rather than only
// through fakes.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &Store{client: client, window: 20 * time.Minute, linger: time.Hour}
}

func TestPlaceBidScriptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// First accepted bid activates the auction and arms the deadline.
	res, err := s.PlaceBid(ctx, "item-1", "bidder-a", 150, 100, now)
	require.NoError(t, err)
	assert.Equal(t, PlaceStarted, res.Status)
	assert.Equal(t, 100.0, res.CurrentAmount)
	assert.Equal(t, now.Add(20*time.Minute), res.DeadlineAt)

	// Equal to the leader loses.
	res, err = s.PlaceBid(ctx, "item-1", "bidder-b", 150, 100, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, PlaceTooLow, res.Status)
	assert.Equal(t, 150.0, res.CurrentAmount)

	// Higher bid updates the leader without moving the deadline.
	res, err = s.PlaceBid(ctx, "item-1", "bidder-b", 200, 100, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PlaceUpdated, res.Status)
	assert.Equal(t, 150.0, res.CurrentAmount)

	snap, err := s.Snapshot(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.False(t, snap.Ended)
	assert.Equal(t, "bidder-b", snap.LeaderID)
	assert.Equal(t, 200.0, snap.LeaderAmount)
	assert.Equal(t, now, snap.StartedAt)
	assert.Equal(t, now.Add(20*time.Minute), snap.DeadlineAt)
}

func TestCloseScriptSerializesDeadlineAndBids(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.PlaceBid(ctx, "item-1", "bidder-a", 150, 100, now)
	require.NoError(t, err)

	// Not due yet: the non-forced close refuses.
	res, err := s.Close(ctx, "item-1", false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CloseNotDue, res.Status)

	// A final bid still lands before the deadline.
	place, err := s.PlaceBid(ctx, "item-1", "bidder-b", 200, 100, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PlaceUpdated, place.Status)

	// Due: closes with the frozen winner.
	res, err = s.Close(ctx, "item-1", false, now.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CloseClosed, res.Status)
	assert.Equal(t, "bidder-b", res.WinnerID)
	assert.Equal(t, 200.0, res.FinalAmount)

	// Idempotent: the duplicate observes the frozen outcome.
	res, err = s.Close(ctx, "item-1", false, now.Add(22*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CloseAlreadyEnded, res.Status)
	assert.Equal(t, "bidder-b", res.WinnerID)
	assert.Equal(t, 200.0, res.FinalAmount)

	// Ended is terminal for bids, whatever the amount.
	place, err = s.PlaceBid(ctx, "item-1", "bidder-c", 500, 100, now.Add(23*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PlaceEnded, place.Status)
	assert.Equal(t, 200.0, place.CurrentAmount)
}

func TestForcedCloseBeforeDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.PlaceBid(ctx, "item-1", "bidder-a", 150, 100, now)
	require.NoError(t, err)

	res, err := s.Close(ctx, "item-1", true, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CloseClosed, res.Status)
	assert.Equal(t, "bidder-a", res.WinnerID)
	assert.Equal(t, 150.0, res.FinalAmount)
}

// Closure must not drop the deadline entry; it stays until the caller has
// durably recorded the outcome and clears it explicitly.
func TestDeadlineEntrySurvivesCloseUntilCleared(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.PlaceBid(ctx, "item-1", "bidder-a", 150, 100, now)
	require.NoError(t, err)

	due, err := s.DueItems(ctx, now.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, due)

	_, err = s.Close(ctx, "item-1", false, now.Add(21*time.Minute))
	require.NoError(t, err)

	due, err = s.DueItems(ctx, now.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, due)

	require.NoError(t, s.ClearDeadline(ctx, "item-1"))
	due, err = s.DueItems(ctx, now.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

// A deadline entry whose ephemeral keys already expired has nothing left to
// record; the inactive branch of the close script drops it.
func TestCloseInactiveDropsDanglingDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.client.ZAdd(ctx, keyDeadlines, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: "item-1",
	}).Err())

	res, err := s.Close(ctx, "item-1", false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CloseInactive, res.Status)

	due, err := s.DueItems(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDueItemsRespectsScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.PlaceBid(ctx, "early", "a", 150, 100, now)
	require.NoError(t, err)
	_, err = s.PlaceBid(ctx, "late", "a", 150, 100, now.Add(10*time.Minute))
	require.NoError(t, err)

	due, err := s.DueItems(ctx, now.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, due)

	due, err = s.DueItems(ctx, now.Add(31*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"early", "late"}, due)
}
