package auction

import "errors"

var (
	// ErrNoActiveAuction is returned by Close when no auction was ever
	// activated for the item (no bids yet, or state already expired).
	ErrNoActiveAuction = errors.New("no active auction for item")

	// ErrUnknownItem is returned by queries for items absent from the catalog.
	ErrUnknownItem = errors.New("unknown item")
)
