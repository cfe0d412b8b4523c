// Package relay carries bid submissions from broadcaster processes to a
// coordinator replica over NATS request-reply. Only coordinators touch the
// ephemeral store; the websocket layer stays a pure fan-out surface.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/models"
)

const (
	// SubjectSubmit is the request subject for bid submissions.
	SubjectSubmit = "auction.submit"

	// QueueGroup spreads requests across coordinator replicas.
	QueueGroup = "coordinators"

	requestTimeout = 5 * time.Second
)

// SubmitRequest is the wire form of a relayed bid submission.
type SubmitRequest struct {
	ItemID   string  `json:"item_id"`
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

// SubmitReply wraps the outcome so infrastructure failures on the
// coordinator side stay distinguishable from business rejections.
type SubmitReply struct {
	Outcome *models.BidOutcome `json:"outcome,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Pipeline is the coordinator surface the responder serves.
type Pipeline interface {
	SubmitBid(ctx context.Context, itemID string, req *models.BidRequest) (*models.BidOutcome, error)
}

// Requester is the broadcaster-side client.
type Requester struct {
	conn *nats.Conn
}

// NewRequester wraps a NATS connection.
func NewRequester(conn *nats.Conn) *Requester {
	return &Requester{conn: conn}
}

// SubmitBid relays one bid and waits for the definitive outcome. A timeout
// means unknown outcome; the caller recovers via the status query, never by
// blind resubmission.
func (r *Requester) SubmitBid(ctx context.Context, itemID string, req *models.BidRequest) (*models.BidOutcome, error) {
	data, err := json.Marshal(&SubmitRequest{
		ItemID:   itemID,
		BidderID: req.BidderID,
		Amount:   req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	msg, err := r.conn.RequestWithContext(reqCtx, SubjectSubmit, data)
	if err != nil {
		return nil, fmt.Errorf("bid relay failed: %w", err)
	}

	var reply SubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submit reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.Outcome == nil {
		return nil, fmt.Errorf("empty submit reply")
	}
	return reply.Outcome, nil
}

// Responder is the coordinator-side server.
type Responder struct {
	conn     *nats.Conn
	pipeline Pipeline
	log      zerolog.Logger
	sub      *nats.Subscription
}

// NewResponder wires a Responder.
func NewResponder(conn *nats.Conn, pipeline Pipeline, log zerolog.Logger) *Responder {
	return &Responder{
		conn:     conn,
		pipeline: pipeline,
		log:      log.With().Str("component", "bid-relay").Logger(),
	}
}

// Start subscribes on the submit subject within the coordinator queue group.
func (r *Responder) Start(ctx context.Context) error {
	sub, err := r.conn.QueueSubscribe(SubjectSubmit, QueueGroup, func(msg *nats.Msg) {
		r.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectSubmit, err)
	}
	r.sub = sub
	return nil
}

func (r *Responder) handle(ctx context.Context, msg *nats.Msg) {
	var req SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.reply(msg, &SubmitReply{Error: "malformed submit request"})
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	outcome, err := r.pipeline.SubmitBid(handleCtx, req.ItemID, &models.BidRequest{
		BidderID: req.BidderID,
		Amount:   req.Amount,
	})
	if err != nil {
		r.log.Error().Err(err).Str("item_id", req.ItemID).Msg("relayed bid failed")
		r.reply(msg, &SubmitReply{Error: "bid could not be processed, check auction status"})
		return
	}
	r.reply(msg, &SubmitReply{Outcome: outcome})
}

func (r *Responder) reply(msg *nats.Msg, reply *SubmitReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to marshal submit reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn().Err(err).Msg("failed to respond to relayed bid")
	}
}

// Close drains the subscription.
func (r *Responder) Close() error {
	if r.sub != nil {
		return r.sub.Unsubscribe()
	}
	return nil
}
