package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// BidSubmitter relays a bid from a websocket frame to a coordinator
// replica.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, itemID string, req *models.BidRequest) (*models.BidOutcome, error)
}

// Command is the closed set of frames a client may send.
type Command struct {
	Action   string  `json:"action"` // "leave" or "bid"; join is the connect itself
	BidderID string  `json:"bidder_id,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
}

// Client is one websocket connection joined to one item's room.
type Client struct {
	ID     string
	ItemID string
	Conn   *websocket.Conn
	Send   chan []byte

	submitter BidSubmitter
	log       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// enqueue hands a payload to the write pump. Returns false when the buffer
// is full or the client is already closed; sends and the close race, so the
// channel is only touched under the lock.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// writePump pumps queued payloads to the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes client commands until the connection drops, then
// unregisters the client.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Warn().Str("client_id", c.ID).Msg("dropping malformed command frame")
			continue
		}

		switch cmd.Action {
		case "leave":
			return
		case "bid":
			// Relay off the read pump so a slow coordinator round-trip
			// never stalls inbound frames.
			go c.submitBid(&cmd)
		default:
			c.log.Warn().Str("client_id", c.ID).Str("action", cmd.Action).Msg("unknown command")
		}
	}
}

// submitBid relays the bid and delivers the definitive outcome to this
// connection only. Acceptances also arrive through the room broadcast; the
// direct frame guarantees the bidder sees an explicit outcome either way.
func (c *Client) submitBid(cmd *Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := c.submitter.SubmitBid(ctx, c.ItemID, &models.BidRequest{
		BidderID: cmd.BidderID,
		Amount:   cmd.Amount,
	})

	var ev *models.Event
	switch {
	case err != nil:
		ev = &models.Event{
			Type:   models.EventRejected,
			ItemID: c.ItemID,
			Rejected: &models.RejectedPayload{
				Reason: "bid could not be processed, check auction status",
			},
		}
	case outcome.Accepted:
		ev = &models.Event{
			Type:   models.EventUpdated,
			ItemID: c.ItemID,
			Updated: &models.UpdatedPayload{
				LeaderAmount: outcome.CurrentBid,
				BidderID:     cmd.BidderID,
				Timestamp:    time.Now().UTC(),
			},
		}
	default:
		ev = &models.Event{
			Type:   models.EventRejected,
			ItemID: c.ItemID,
			Rejected: &models.RejectedPayload{
				Reason:     outcome.Reason,
				CurrentBid: outcome.CurrentBid,
			},
		}
	}

	data, merr := json.Marshal(ev)
	if merr != nil {
		return
	}
	c.enqueue(data)
}
