package notifications

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/notifier/internal/auth"
	"github.com/darkden-lab/notifier/internal/httputil"
)

// Handlers provides HTTP handlers for the notifications API.
type Handlers struct {
	service *Service
}

// NewHandlers creates a new Handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes wires the notification endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/notifications", h.ListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications", h.UpdateNotifications).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications/cache-stats", h.CacheStats).Methods(http.MethodGet)
}

// getUserID extracts the user ID from the JWT claims in the request context.
func getUserID(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.UserID
}

// ListNotifications handles GET /api/notifications
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	list, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

type updateRequest struct {
	IDs    []int64 `json:"ids"`
	IsRead *bool   `json:"isRead"`
}

// UpdateNotifications handles PUT /api/notifications
func (h *Handlers) UpdateNotifications(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "ids must be an array of numbers and isRead must be a boolean")
		return
	}

	updated, err := h.service.MarkAsRead(r.Context(), userID, req.IDs, req.IsRead)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "Notifications read status updated successfully",
		"updatedCount": updated,
	})
}

// CacheStats handles GET /api/notifications/cache-stats
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.CacheStats())
}

func writeServiceError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.WriteError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "No notifications found")
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
