package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/models"
)

// Subscriber consumes auction events from Redis Pub/Sub. The broadcaster
// uses a pattern subscription so one process fans out every item's room.
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    zerolog.Logger
}

// RoomMessage is a decoded Pub/Sub message bound for one auction room.
type RoomMessage struct {
	ItemID  string
	Payload []byte
	Event   *models.Event
}

// NewSubscriber connects to Redis and returns a Pub/Sub subscriber.
func NewSubscriber(addr, password string, db int, log zerolog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Subscriber{client: rdb, log: log}, nil
}

// SubscribeAll subscribes to auction events for every item.
func (s *Subscriber) SubscribeAll(ctx context.Context) error {
	s.pubsub = s.client.PSubscribe(ctx, eventChannelPattern)
	return nil
}

// Listen decodes incoming events and forwards them on messageChan until the
// context is cancelled. Malformed payloads are logged and skipped.
func (s *Subscriber) Listen(ctx context.Context, messageChan chan<- *RoomMessage) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := models.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			messageChan <- &RoomMessage{
				ItemID:  itemIDFromChannel(msg.Channel),
				Payload: []byte(msg.Payload),
				Event:   ev,
			}
		}
	}
}

// itemIDFromChannel extracts the item id from "auction_events:{itemID}".
func itemIDFromChannel(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[i+1:]
	}
	return ""
}

// Close closes the subscription and the underlying connection.
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
