// internal/ingress/handler.go
package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/problems"
)

// Handler is the thin HTTP surface through which the external
// collaborators (install/consent UI, webhook-intake router) hand typed
// events to the bus.
type Handler struct {
	bus bus.Bus
	log *zap.SugaredLogger
}

func NewHandler(b bus.Bus, log *zap.SugaredLogger) *Handler {
	return &Handler{bus: b, log: log}
}

// Mount attaches the ingress routes to r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/v1/events", h.postEvent)
}

type eventEnvelope struct {
	Type    bus.EventType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeProblem(w, "malformed-event", "request body is not a valid event envelope", http.StatusBadRequest)
		return
	}
	if !events.Known(env.Type) {
		writeProblem(w, "unknown-event-type", "event type is not recognized", http.StatusUnprocessableEntity)
		return
	}
	tenantID, err := events.TenantOf(env.Payload)
	if err != nil {
		writeProblem(w, "missing-tenant", "event payload must carry tenantId", http.StatusUnprocessableEntity)
		return
	}
	evt, err := bus.NewEvent(env.Type, tenantID, json.RawMessage(env.Payload))
	if err != nil {
		writeProblem(w, "malformed-event", "event payload is not valid JSON", http.StatusBadRequest)
		return
	}
	if env.Type == events.AppInstalled {
		// Install-triggered work jumps the queue (first sync priority).
		evt.Priority = bus.PriorityHigh
	}
	if err := h.bus.Enqueue(r.Context(), evt); err != nil {
		h.log.Errorw("enqueue failed", "type", env.Type, "tenant", tenantID, "err", err)
		writeProblem(w, "enqueue-failed", "event could not be queued", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"id": evt.ID, "status": "queued"}, http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, slug, detail string, status int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slug),
		"title":  slug,
		"detail": detail,
		"status": status,
	})
}
