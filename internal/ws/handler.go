package ws

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the websocket endpoint and the room stats.
type Handler struct {
	manager   *Manager
	submitter BidSubmitter
	log       zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(manager *Manager, submitter BidSubmitter, log zerolog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		submitter: submitter,
		log:       log.With().Str("component", "ws-handler").Logger(),
	}
}

// SetupRoutes configures the broadcaster's routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws/items/{id}", h.HandleWebSocket)
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/stats/items/{id}", h.GetStats).Methods("GET")

	return router
}

// HandleWebSocket upgrades the connection and joins the item's room.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	if itemID == "" {
		http.Error(w, "item id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		submitter: h.submitter,
		log:       h.log,
	}

	h.manager.RegisterClient(client)
	go client.readPump(h.manager)

	welcome := fmt.Sprintf(`{"type":"connected","item_id":%q,"client_id":%q}`, itemID, client.ID)
	client.enqueue([]byte(welcome))
}

// HealthCheck returns service health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"broadcaster"}`)
}

// GetStats returns the subscriber count for an item's room.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	count := h.manager.SubscriberCount(itemID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"item_id":%q,"subscribers":%d}`, itemID, count)
}
