// Package archive materializes the JetStream bid ledger into Postgres.
// Delivery is at-least-once; the insert is idempotent on bid id, so the
// Postgres rows converge on exactly the accepted bid set.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/auction"
	"github.com/openbid/auction-coordinator/internal/ledger"
	"github.com/openbid/auction-coordinator/internal/models"
)

// Consumer reads accepted bids from the stream and persists them.
type Consumer struct {
	js  jetstream.JetStream
	db  *ledger.Client
	log zerolog.Logger

	consumeCtx jetstream.ConsumeContext
}

// NewConsumer creates the durable consumer.
func NewConsumer(nc *nats.Conn, db *ledger.Client, log zerolog.Logger) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Consumer{
		js:  js,
		db:  db,
		log: log.With().Str("component", "archive-consumer").Logger(),
	}, nil
}

// Start consumes bid events until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	// The archiver may come up before any coordinator has created the stream.
	if err := auction.EnsureStream(ctx, c.js); err != nil {
		return err
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, auction.StreamName, jetstream.ConsumerConfig{
		Durable:       "archiver",
		FilterSubject: auction.BidSubjectPrefix + ".*",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.consumeCtx = consumeCtx

	<-ctx.Done()
	consumeCtx.Stop()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var bid models.Bid
	if err := json.Unmarshal(msg.Data(), &bid); err != nil {
		// Malformed payloads can never succeed; drop them.
		c.log.Error().Err(err).Msg("failed to unmarshal bid event, terminating delivery")
		msg.Term()
		return
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.persistBid(dbCtx, &bid); err != nil {
		c.log.Error().Err(err).Str("bid_id", bid.ID).Msg("failed to persist bid, will redeliver")
		msg.Nak()
		return
	}

	c.log.Debug().
		Str("bid_id", bid.ID).
		Str("item_id", bid.ItemID).
		Float64("amount", bid.Amount).
		Msg("bid archived")
	msg.Ack()
}

func (c *Consumer) persistBid(ctx context.Context, bid *models.Bid) error {
	if err := c.db.InsertBid(ctx, bid); err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	if err := c.db.UpdateCurrentBid(ctx, bid.ItemID, bid.Amount, bid.SubmittedAt); err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	return nil
}
