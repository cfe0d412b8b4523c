package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbid/auction-coordinator/internal/auction"
)

type fakeSource struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

func (f *fakeSource) DueItems(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []string
	for id, d := range f.deadlines {
		if !d.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deadlines, id)
}

type fakeCloser struct {
	mu     sync.Mutex
	closed map[string]int
	source *fakeSource
}

func (f *fakeCloser) Close(_ context.Context, itemID string, force bool) (*auction.CloseOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[itemID]++
	if f.source != nil {
		f.source.remove(itemID)
	}
	if f.closed[itemID] > 1 {
		return &auction.CloseOutcome{AlreadyEnded: true}, nil
	}
	return &auction.CloseOutcome{Closed: true, WinnerID: "w", FinalAmount: 42}, nil
}

func TestReapClosesOnlyDueAuctions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{deadlines: map[string]time.Time{
		"due-1":    now.Add(-time.Second),
		"due-2":    now.Add(-time.Minute),
		"not-due":  now.Add(time.Hour),
		"not-due2": now.Add(time.Millisecond),
	}}
	closer := &fakeCloser{closed: map[string]int{}, source: source}
	r := NewReaper(source, closer, time.Second, zerolog.Nop())
	r.nowFunc = func() time.Time { return now }

	r.reap(context.Background())

	assert.Equal(t, 1, closer.closed["due-1"])
	assert.Equal(t, 1, closer.closed["due-2"])
	assert.Zero(t, closer.closed["not-due"])
	assert.Zero(t, closer.closed["not-due2"])
}

// Firing the reaper twice over the same due auction produces the same
// terminal state as firing it once.
func TestReapIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{deadlines: map[string]time.Time{
		"item": now.Add(-time.Second),
	}}
	closer := &fakeCloser{closed: map[string]int{}}
	r := NewReaper(source, closer, time.Second, zerolog.Nop())
	r.nowFunc = func() time.Time { return now }

	r.reap(context.Background())
	r.reap(context.Background())

	require.Equal(t, 2, closer.closed["item"])
	// The second close observed AlreadyEnded, which the reaper treats as a
	// clean no-op: nothing to assert beyond the absence of a panic or
	// duplicate terminal effect, which fakeCloser encodes by returning
	// AlreadyEnded instead of Closed.
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := &fakeSource{deadlines: map[string]time.Time{}}
	closer := &fakeCloser{closed: map[string]int{}}
	r := NewReaper(source, closer, time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
