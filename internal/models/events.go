package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the closed set of auction room events. Consumers switch on
// the tag and read exactly one payload; there are no optional-field hybrids.
type EventType string

const (
	EventStarted  EventType = "started"
	EventUpdated  EventType = "updated"
	EventRejected EventType = "rejected"
	EventEnded    EventType = "ended"
)

// StartedPayload announces the Inactive->Active transition.
type StartedPayload struct {
	DeadlineAt time.Time `json:"deadline_at"`
}

// UpdatedPayload announces a new leading bid.
type UpdatedPayload struct {
	LeaderAmount float64   `json:"leader_amount"`
	BidderID     string    `json:"bidder_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// RejectedPayload is delivered only to the submitting connection, never
// broadcast to the room.
type RejectedPayload struct {
	Reason     string  `json:"reason"`
	CurrentBid float64 `json:"current_bid"`
}

// EndedPayload announces the terminal outcome of an auction instance.
type EndedPayload struct {
	FinalAmount float64 `json:"final_amount"`
	WinnerID    string  `json:"winner_id"`
}

// Event is the wire envelope for all auction room traffic: one type tag, one
// item id, exactly one non-nil payload matching the tag.
type Event struct {
	Type     EventType         `json:"type"`
	ItemID   string            `json:"item_id"`
	Started  *StartedPayload   `json:"started,omitempty"`
	Updated  *UpdatedPayload   `json:"updated,omitempty"`
	Rejected *RejectedPayload  `json:"rejected,omitempty"`
	Ended    *EndedPayload     `json:"ended,omitempty"`
}

// Validate checks that the envelope carries the payload its tag promises.
func (e *Event) Validate() error {
	switch e.Type {
	case EventStarted:
		if e.Started == nil {
			return fmt.Errorf("started event without payload")
		}
	case EventUpdated:
		if e.Updated == nil {
			return fmt.Errorf("updated event without payload")
		}
	case EventRejected:
		if e.Rejected == nil {
			return fmt.Errorf("rejected event without payload")
		}
	case EventEnded:
		if e.Ended == nil {
			return fmt.Errorf("ended event without payload")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// DecodeEvent parses and validates an event envelope.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
