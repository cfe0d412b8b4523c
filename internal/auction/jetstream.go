package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/models"
)

const (
	// StreamName holds every accepted bid; the archiver materializes it
	// into Postgres.
	StreamName = "AUCTION_BIDS"

	// BidSubjectPrefix namespaces bid subjects per item:
	// auction.bids.{itemID}.
	BidSubjectPrefix = "auction.bids"

	appendAttempts = 3
)

// JetStreamAppender records accepted bids on a persistent JetStream stream.
// Publish waits for the server ack, so a nil return means the bid is on
// disk; the bid id doubles as the message id for server-side deduplication,
// which makes retries with the same bid safe.
type JetStreamAppender struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

// EnsureStream creates or updates the bid stream. Both the coordinator and
// the archiver call it, so start order does not matter.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Durable append-only record of accepted auction bids",
		Subjects:    []string{BidSubjectPrefix + ".*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	return nil
}

// NewJetStreamAppender creates the stream if needed and returns an appender.
func NewJetStreamAppender(nc *nats.Conn, log zerolog.Logger) (*JetStreamAppender, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}

	return &JetStreamAppender{
		js:  js,
		log: log.With().Str("component", "jetstream-appender").Logger(),
	}, nil
}

// Append publishes the bid and waits for the persistence ack, retrying with
// the same message id on transient failure.
func (a *JetStreamAppender) Append(ctx context.Context, bid *models.Bid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("failed to marshal bid: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", BidSubjectPrefix, bid.ItemID)

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ack, err := a.js.Publish(pubCtx, subject, data, jetstream.WithMsgID(bid.ID))
		cancel()
		if err == nil {
			a.log.Debug().
				Str("subject", subject).
				Str("bid_id", bid.ID).
				Uint64("seq", ack.Sequence).
				Msg("bid appended")
			return nil
		}
		lastErr = err
		a.log.Warn().Err(err).
			Str("bid_id", bid.ID).
			Int("attempt", attempt).
			Msg("bid append failed")

		select {
		case <-ctx.Done():
			return fmt.Errorf("bid append interrupted: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to append bid after %d attempts: %w", appendAttempts, lastErr)
}
