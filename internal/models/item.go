package models

import "time"

// Item is the durable record for an auctionable item. The catalog owns most
// fields; the coordinator is only authorized to update the mirrored auction
// outcome (current_bid, winner_id, final_amount, status and the auction
// timestamps).
type Item struct {
	ID               string     `json:"id"`
	SellerID         string     `json:"seller_id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	StartPrice       float64    `json:"start_price"`
	AuctionEnabled   bool       `json:"auction_enabled"`
	CurrentBid       float64    `json:"current_bid"`
	WinnerID         string     `json:"winner_id,omitempty"`
	FinalAmount      float64    `json:"final_amount,omitempty"`
	Status           string     `json:"status"`
	AuctionStartedAt *time.Time `json:"auction_started_at,omitempty"`
	AuctionEndedAt   *time.Time `json:"auction_ended_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Item status constants. An item stays "open" until its auction instance is
// closed and the outcome mirrored; "ended" is terminal for that instance.
const (
	ItemStatusOpen  = "open"
	ItemStatusEnded = "ended"
)
