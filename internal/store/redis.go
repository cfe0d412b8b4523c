// Package store is the adapter for the shared ephemeral auction state kept
// in Redis. All mutation happens inside server-side Lua scripts, so every
// compare-and-update is a single atomic remote operation visible to all
// coordinator replicas; no process ever does a read-then-write in two steps.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openbid/auction-coordinator/internal/models"
)

// Per-item key layout. Every key carries a TTL so a crashed coordinator can
// never leave a dangling auction beyond the window plus linger margin.
const (
	keyLeaderAmount = "auction:%s:leader_amount"
	keyLeaderID     = "auction:%s:leader_id"
	keyStartedAt    = "auction:%s:started_at"
	keyDeadlineAt   = "auction:%s:deadline_at"
	keyEnded        = "auction:%s:ended"
	keyFinalAmount  = "auction:%s:final_amount"
	keyWinnerID     = "auction:%s:winner_id"

	// Sorted set of active auctions scored by deadline (unix ms); the
	// deadline reaper polls it for due closures.
	keyDeadlines = "auction:deadlines"

	eventChannelFmt     = "auction_events:%s"
	eventChannelPattern = "auction_events:*"
)

// placeBidScript performs the atomic bid compare-and-update.
//
// KEYS: leader_amount, leader_id, started_at, deadline_at, ended, deadlines
// ARGV: amount, bidder_id, starting_price, now_ms, window_ms, ttl_sec, item_id
//
// Reply: {status, current_amount, deadline_ms} with status
// -1 ended, 0 too low, 1 leader updated, 2 auction started.
// Amounts travel as strings because Lua number replies are truncated to
// integers by the Redis protocol.
var placeBidScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[5]) == 1 then
		local cur = redis.call('GET', KEYS[1])
		if not cur then cur = ARGV[3] end
		return {-1, tostring(cur), redis.call('GET', KEYS[4]) or '0'}
	end
	local cur = redis.call('GET', KEYS[1])
	local first = false
	if not cur then
		cur = ARGV[3]
		first = true
	end
	if tonumber(ARGV[1]) <= tonumber(cur) then
		return {0, tostring(cur), redis.call('GET', KEYS[4]) or '0'}
	end
	local ttl = tonumber(ARGV[6])
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ttl)
	if first then
		local deadline = tonumber(ARGV[4]) + tonumber(ARGV[5])
		redis.call('SET', KEYS[3], ARGV[4], 'EX', ttl)
		redis.call('SET', KEYS[4], deadline, 'EX', ttl)
		redis.call('ZADD', KEYS[6], deadline, ARGV[7])
		return {2, tostring(cur), tostring(deadline)}
	end
	return {1, tostring(cur), redis.call('GET', KEYS[4]) or '0'}
`)

// closeAuctionScript performs the atomic Active->Ended transition. The
// deadline check lives inside the script so a closure trigger racing a final
// bid is serialized the same way two bids are: exactly one wins.
//
// The deadlines entry is NOT removed on closure: it stays until the caller
// has durably recorded the outcome and calls ClearDeadline, so a crash
// between the close and the mirror write leaves a trigger for any replica's
// reaper to re-drive. Only the no-active-auction branch drops the entry,
// since there is nothing left to record.
//
// KEYS: leader_amount, leader_id, started_at, deadline_at, ended,
//       final_amount, winner_id, deadlines
// ARGV: now_ms, force, linger_sec, item_id
//
// Reply: {status, winner_id, final_amount} with status
// -2 not yet due, -1 no active auction, 0 already ended, 1 closed now.
var closeAuctionScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[5]) == 1 then
		return {0, redis.call('GET', KEYS[7]) or '', redis.call('GET', KEYS[6]) or '0'}
	end
	local amount = redis.call('GET', KEYS[1])
	if not amount then
		redis.call('ZREM', KEYS[8], ARGV[4])
		return {-1, '', '0'}
	end
	local deadline = tonumber(redis.call('GET', KEYS[4]) or '0')
	if ARGV[2] ~= '1' and tonumber(ARGV[1]) < deadline then
		return {-2, '', '0'}
	end
	local leader = redis.call('GET', KEYS[2]) or ''
	local linger = tonumber(ARGV[3])
	redis.call('SET', KEYS[5], '1', 'EX', linger)
	redis.call('SET', KEYS[6], amount, 'EX', linger)
	redis.call('SET', KEYS[7], leader, 'EX', linger)
	redis.call('EXPIRE', KEYS[1], linger)
	redis.call('EXPIRE', KEYS[2], linger)
	redis.call('EXPIRE', KEYS[3], linger)
	redis.call('EXPIRE', KEYS[4], linger)
	return {1, leader, tostring(amount)}
`)

// PlaceStatus classifies the outcome of the bid compare-and-update.
type PlaceStatus int

const (
	PlaceEnded   PlaceStatus = -1
	PlaceTooLow  PlaceStatus = 0
	PlaceUpdated PlaceStatus = 1
	PlaceStarted PlaceStatus = 2
)

// PlaceResult is the parsed reply of the placeBid script. CurrentAmount is
// the amount the bid was compared against: the previous leader amount on
// acceptance, the winning rival's amount on a lost race.
type PlaceResult struct {
	Status        PlaceStatus
	CurrentAmount float64
	DeadlineAt    time.Time
}

// CloseStatus classifies the outcome of the closure compare-and-update.
type CloseStatus int

const (
	CloseNotDue       CloseStatus = -2
	CloseInactive     CloseStatus = -1
	CloseAlreadyEnded CloseStatus = 0
	CloseClosed       CloseStatus = 1
)

// CloseResult is the parsed reply of the closeAuction script. WinnerID and
// FinalAmount are populated for both CloseClosed and CloseAlreadyEnded, so
// duplicate closure triggers still observe the frozen outcome.
type CloseResult struct {
	Status      CloseStatus
	WinnerID    string
	FinalAmount float64
}

// Snapshot is a point-in-time read of one item's ephemeral auction state.
type Snapshot struct {
	Exists       bool
	Ended        bool
	LeaderID     string
	LeaderAmount float64
	FinalAmount  float64
	WinnerID     string
	StartedAt    time.Time
	DeadlineAt   time.Time
}

// Store wraps the Redis client with the auction state operations.
type Store struct {
	client *redis.Client
	window time.Duration
	linger time.Duration
}

// New connects to Redis and returns a configured Store. window is the fixed
// auction duration armed on the first bid; linger bounds how long terminal
// state outlives closure before the keys expire.
func New(addr, password string, db int, window, linger time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: rdb, window: window, linger: linger}, nil
}

func itemKeys(itemID string) []string {
	return []string{
		fmt.Sprintf(keyLeaderAmount, itemID),
		fmt.Sprintf(keyLeaderID, itemID),
		fmt.Sprintf(keyStartedAt, itemID),
		fmt.Sprintf(keyDeadlineAt, itemID),
		fmt.Sprintf(keyEnded, itemID),
		fmt.Sprintf(keyFinalAmount, itemID),
		fmt.Sprintf(keyWinnerID, itemID),
	}
}

// PlaceBid runs the atomic compare-and-update for one bid. The first
// accepted bid activates the auction and arms its deadline.
func (s *Store) PlaceBid(ctx context.Context, itemID, bidderID string, amount, startingPrice float64, now time.Time) (*PlaceResult, error) {
	keys := append(itemKeys(itemID)[:5], keyDeadlines)

	raw, err := placeBidScript.Run(ctx, s.client, keys,
		formatAmount(amount),
		bidderID,
		formatAmount(startingPrice),
		now.UnixMilli(),
		s.window.Milliseconds(),
		int(s.window.Seconds())+int(s.linger.Seconds()),
		itemID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute bid script: %w", err)
	}

	return parsePlaceReply(raw)
}

// Close runs the atomic Active->Ended transition. With force=false the
// script refuses to close before the deadline, which resolves the
// closure-vs-final-bid race; with force=true it closes immediately (the
// administrative "end now" path).
func (s *Store) Close(ctx context.Context, itemID string, force bool, now time.Time) (*CloseResult, error) {
	keys := append(itemKeys(itemID), keyDeadlines)

	forceArg := "0"
	if force {
		forceArg = "1"
	}

	raw, err := closeAuctionScript.Run(ctx, s.client, keys,
		now.UnixMilli(),
		forceArg,
		int(s.linger.Seconds()),
		itemID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute close script: %w", err)
	}

	return parseCloseReply(raw)
}

// Snapshot reads the full ephemeral state for an item in one pipeline
// round-trip.
func (s *Store) Snapshot(ctx context.Context, itemID string) (*Snapshot, error) {
	keys := itemKeys(itemID)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read auction state: %w", err)
	}

	snap := &Snapshot{}
	if cmds[0].Err() == nil {
		snap.Exists = true
		snap.LeaderAmount = parseAmount(cmds[0].Val())
	}
	if cmds[1].Err() == nil {
		snap.LeaderID = cmds[1].Val()
	}
	if cmds[2].Err() == nil {
		snap.StartedAt = parseUnixMilli(cmds[2].Val())
	}
	if cmds[3].Err() == nil {
		snap.DeadlineAt = parseUnixMilli(cmds[3].Val())
	}
	snap.Ended = cmds[4].Err() == nil
	if cmds[5].Err() == nil {
		snap.FinalAmount = parseAmount(cmds[5].Val())
	}
	if cmds[6].Err() == nil {
		snap.WinnerID = cmds[6].Val()
	}
	return snap, nil
}

// DueItems returns the ids of auctions whose deadline is at or before now.
// An entry lingers through closure until ClearDeadline confirms the outcome
// was durably recorded, so a crash anywhere between poll, close and mirror
// loses nothing.
func (s *Store) DueItems(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyDeadlines, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due deadlines: %w", err)
	}
	return ids, nil
}

// ClearDeadline removes the item's deadline entry. Called only once the
// outcome is durably mirrored; until then the entry keeps the reapers
// re-driving closure.
func (s *Store) ClearDeadline(ctx context.Context, itemID string) error {
	if err := s.client.ZRem(ctx, keyDeadlines, itemID).Err(); err != nil {
		return fmt.Errorf("failed to clear deadline entry: %w", err)
	}
	return nil
}

// PublishEvent publishes an auction event to the item's Pub/Sub channel.
// Broadcaster replicas pick it up and fan it out to websocket subscribers.
func (s *Store) PublishEvent(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	channel := fmt.Sprintf(eventChannelFmt, ev.ItemID)
	return s.client.Publish(ctx, channel, data).Err()
}

// Close closes the Redis connection.
func (s *Store) CloseConn() error {
	return s.client.Close()
}

func parsePlaceReply(raw interface{}) (*PlaceResult, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("unexpected bid script reply: %v", raw)
	}
	status, ok := arr[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected bid script status: %v", arr[0])
	}
	res := &PlaceResult{
		Status:        PlaceStatus(status),
		CurrentAmount: parseAmount(asString(arr[1])),
	}
	if ms := parseUnixMilli(asString(arr[2])); !ms.IsZero() {
		res.DeadlineAt = ms
	}
	return res, nil
}

func parseCloseReply(raw interface{}) (*CloseResult, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("unexpected close script reply: %v", raw)
	}
	status, ok := arr[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected close script status: %v", arr[0])
	}
	return &CloseResult{
		Status:      CloseStatus(status),
		WinnerID:    asString(arr[1]),
		FinalAmount: parseAmount(asString(arr[2])),
	}, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func formatAmount(a float64) string {
	return strconv.FormatFloat(a, 'f', -1, 64)
}

func parseAmount(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseUnixMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
