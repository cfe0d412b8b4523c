// Package ws hosts the per-item auction rooms: websocket subscribers joined
// to one item, fed by the coordinator's event stream. Delivery is best
// effort and at most once per connection; the status query is always the
// fallback source of truth.
package ws

import (
	"sync"

	"github.com/rs/zerolog"
)

// Manager tracks which clients watch which item and fans events out.
type Manager struct {
	// itemID -> set of clients in that room.
	subscribers sync.Map // map[string]*sync.Map, keyed by *Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *roomMessage

	log zerolog.Logger
}

type roomMessage struct {
	itemID  string
	payload []byte
}

// NewManager creates a Manager. Run must be started in a goroutine.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
		log:        log.With().Str("component", "ws-manager").Logger(),
	}
}

// Run drives the manager's connection lifecycle loop.
func (m *Manager) Run() {
	for {
		select {
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case msg := <-m.broadcast:
			m.broadcastToItem(msg.itemID, msg.payload)
		}
	}
}

// RegisterClient adds a client to its item's room.
func (m *Manager) RegisterClient(client *Client) {
	m.register <- client
}

// UnregisterClient removes a client and closes its connection.
func (m *Manager) UnregisterClient(client *Client) {
	m.unregister <- client
}

// Broadcast queues a payload for every client watching the item.
func (m *Manager) Broadcast(itemID string, payload []byte) {
	m.broadcast <- &roomMessage{itemID: itemID, payload: payload}
}

func (m *Manager) registerClient(client *Client) {
	room, _ := m.subscribers.LoadOrStore(client.ItemID, &sync.Map{})
	room.(*sync.Map).Store(client, true)

	m.log.Debug().Str("client_id", client.ID).Str("item_id", client.ItemID).Msg("client joined room")

	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	if room, ok := m.subscribers.Load(client.ItemID); ok {
		rm := room.(*sync.Map)
		if _, present := rm.LoadAndDelete(client); !present {
			return
		}
		// Drop the room entry with its last client so idle items do not
		// accumulate. All room mutation happens on the Run goroutine, so
		// the emptiness check cannot race a register.
		empty := true
		rm.Range(func(_, _ interface{}) bool {
			empty = false
			return false
		})
		if empty {
			m.subscribers.Delete(client.ItemID)
		}
	}

	client.closeSend()
	client.Conn.Close()

	m.log.Debug().Str("client_id", client.ID).Str("item_id", client.ItemID).Msg("client left room")
}

func (m *Manager) broadcastToItem(itemID string, payload []byte) {
	room, ok := m.subscribers.Load(itemID)
	if !ok {
		return
	}
	room.(*sync.Map).Range(func(key, _ interface{}) bool {
		client := key.(*Client)
		if !client.enqueue(payload) {
			// Full send buffer means a slow client; evict it rather than
			// let it stall the room. Direct call: we are already on the
			// Run goroutine.
			m.unregisterClient(client)
		}
		return true
	})
}

// SubscriberCount returns how many clients watch an item.
func (m *Manager) SubscriberCount(itemID string) int {
	room, ok := m.subscribers.Load(itemID)
	if !ok {
		return 0
	}
	count := 0
	room.(*sync.Map).Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
