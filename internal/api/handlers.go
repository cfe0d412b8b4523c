// Package api is the coordinator's HTTP surface: bid submission, the pull
// fallback queries, the privileged end-now path and the purchase gate check.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/auction"
	"github.com/openbid/auction-coordinator/internal/gate"
	"github.com/openbid/auction-coordinator/internal/models"
)

// Service is the coordinator surface the handlers call.
type Service interface {
	SubmitBid(ctx context.Context, itemID string, req *models.BidRequest) (*models.BidOutcome, error)
	Close(ctx context.Context, itemID string, force bool) (*auction.CloseOutcome, error)
	Status(ctx context.Context, itemID string) (*auction.StatusView, error)
	Bids(ctx context.Context, itemID string) (*auction.BidsView, error)
	History(ctx context.Context, itemID string) (*auction.HistoryView, error)
}

// Authorizer is the purchase gate surface.
type Authorizer interface {
	Authorize(ctx context.Context, itemID, bidderID string, amount float64) error
}

// ItemRegistrar registers items in the catalog.
type ItemRegistrar interface {
	CreateItem(ctx context.Context, item *models.Item) error
}

// Handler contains the HTTP request handlers.
type Handler struct {
	svc        Service
	gate       Authorizer
	registrar  ItemRegistrar
	adminToken string
	log        zerolog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(svc Service, authorizer Authorizer, registrar ItemRegistrar, adminToken string, log zerolog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		gate:       authorizer,
		registrar:  registrar,
		adminToken: adminToken,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/items", h.CreateItem).Methods("POST")
	api.HandleFunc("/items/{id}/bids", h.GetBids).Methods("GET")
	api.HandleFunc("/items/{id}/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/items/{id}/history", h.GetHistory).Methods("GET")
	api.HandleFunc("/items/{id}/bid", h.PlaceBid).Methods("POST")
	api.HandleFunc("/items/{id}/end", h.EndNow).Methods("POST")
	api.HandleFunc("/items/{id}/purchase/authorize", h.AuthorizePurchase).Methods("POST")

	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "coordinator",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateItem registers an item (privileged).
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var item models.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if item.ID == "" || item.SellerID == "" || item.Name == "" {
		respondError(w, http.StatusBadRequest, "id, seller_id and name are required")
		return
	}
	if item.StartPrice < 0 {
		respondError(w, http.StatusBadRequest, "start_price must not be negative")
		return
	}
	if err := h.registrar.CreateItem(r.Context(), &item); err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("failed to create item")
		respondError(w, http.StatusServiceUnavailable, "failed to create item")
		return
	}
	respondJSON(w, http.StatusCreated, &item)
}

// GetBids returns the bid list plus headline auction state for an item.
func (h *Handler) GetBids(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	view, err := h.svc.Bids(r.Context(), itemID)
	if err != nil {
		h.respondServiceError(w, err, "failed to load bids")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// GetStatus returns the current auction status for an item.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	view, err := h.svc.Status(r.Context(), itemID)
	if err != nil {
		h.respondServiceError(w, err, "failed to load status")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// GetHistory returns the full bid ledger plus lifecycle timestamps.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	view, err := h.svc.History(r.Context(), itemID)
	if err != nil {
		h.respondServiceError(w, err, "failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// PlaceBid handles bid placement. Accepted bids return 201; business
// rejections return 400 (validation) or 409 (conflict) with the reason;
// infrastructure failures return 503 and never a silent accept.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.svc.SubmitBid(r.Context(), itemID, &req)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", itemID).Msg("bid submission failed")
		respondError(w, http.StatusServiceUnavailable, "bid could not be processed, check auction status")
		return
	}

	respondJSON(w, bidStatusCode(outcome), outcome)
}

func bidStatusCode(outcome *models.BidOutcome) int {
	if outcome.Accepted {
		return http.StatusCreated
	}
	switch outcome.Reason {
	case models.ReasonInvalidAmount, models.ReasonMissingBidder:
		return http.StatusBadRequest
	case models.ReasonUnknownItem:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// EndNow forces closure (privileged). Idempotent: an already-ended auction
// still returns 200 with the frozen outcome.
func (h *Handler) EndNow(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	itemID := mux.Vars(r)["id"]

	outcome, err := h.svc.Close(r.Context(), itemID, true)
	if err != nil {
		if errors.Is(err, auction.ErrNoActiveAuction) {
			respondError(w, http.StatusConflict, "no active auction for item")
			return
		}
		h.log.Error().Err(err).Str("item_id", itemID).Msg("forced closure failed")
		respondError(w, http.StatusServiceUnavailable, "failed to end auction")
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// AuthorizePurchase answers the purchase gate check.
func (h *Handler) AuthorizePurchase(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	var req struct {
		BidderID string  `json:"bidder_id"`
		Amount   float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.gate.Authorize(r.Context(), itemID, req.BidderID, req.Amount)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"eligible": true})
	case errors.Is(err, gate.ErrUnknownItem):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gate.ErrOutcomePending):
		// Transient: distinct from a permanent denial so clients retry.
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gate.ErrAuctionOpen),
		errors.Is(err, gate.ErrNotWinner),
		errors.Is(err, gate.ErrWrongAmount):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("item_id", itemID).Msg("purchase authorization failed")
		respondError(w, http.StatusServiceUnavailable, "failed to authorize purchase")
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, auction.ErrUnknownItem) {
		respondError(w, http.StatusNotFound, "unknown item")
		return
	}
	h.log.Error().Err(err).Msg(msg)
	respondError(w, http.StatusServiceUnavailable, msg)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.adminToken == "" || r.Header.Get("X-Admin-Token") != h.adminToken {
		respondError(w, http.StatusForbidden, "admin token required")
		return false
	}
	return true
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Info().
			Str("method", r.Method).
			Str("path", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
