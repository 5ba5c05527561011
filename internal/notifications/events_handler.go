package notifications

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/notifier/internal/events"
	"github.com/darkden-lab/notifier/internal/httputil"
)

// EventPublisher hands a domain event to the broker. *broker.Publisher
// implements it.
type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, userID, message string) (string, error)
}

// EventHandlers lets upstream services that cannot speak to the broker
// publish domain events over HTTP.
type EventHandlers struct {
	publisher EventPublisher
}

// NewEventHandlers creates a new EventHandlers.
func NewEventHandlers(publisher EventPublisher) *EventHandlers {
	return &EventHandlers{publisher: publisher}
}

// RegisterRoutes wires the event ingestion endpoint.
func (h *EventHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/internal/events", h.PublishEvent).Methods(http.MethodPost)
}

type publishRequest struct {
	Kind    string `json:"kind"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// PublishEvent handles POST /internal/events. It answers 202 once the broker
// accepted the event.
func (h *EventHandlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "kind, userId and message are required")
		return
	}

	id, err := h.publisher.Publish(r.Context(), events.Kind(req.Kind), req.UserID, req.Message)
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to publish event")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"messageId": id})
}
