package models

import "time"

// Bid is a single accepted bid on an item. Bids are append-only: created
// exactly once per accepted submission, never mutated, never deleted. The ID
// doubles as the idempotency key for the ledger append and its downstream
// materialization.
type Bid struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	BidderID    string    `json:"bidder_id"`
	Amount      float64   `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BidRequest is the incoming bid submission from the API or a websocket frame.
type BidRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

// Rejection reasons surfaced to bidders. Every rejection carries one of
// these; silent drops are disallowed.
const (
	ReasonBidTooLow     = "bid too low"
	ReasonAuctionEnded  = "auction ended"
	ReasonOwnerBid      = "owner cannot bid"
	ReasonNotAuctioned  = "item is not open for auction"
	ReasonUnknownItem   = "unknown item"
	ReasonInvalidAmount = "bid amount must be positive"
	ReasonMissingBidder = "bidder id is required"
)

// BidOutcome is the definitive result of a bid submission. Business
// rejections are outcomes, not errors; infrastructure failures surface as
// errors from the pipeline instead.
type BidOutcome struct {
	Accepted   bool       `json:"accepted"`
	Reason     string     `json:"reason,omitempty"`
	BidID      string     `json:"bid_id,omitempty"`
	CurrentBid float64    `json:"current_bid"`
	YourBid    float64    `json:"your_bid"`
	Started    bool       `json:"auction_started,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}
