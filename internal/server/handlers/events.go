package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/requestctx"
	"github.com/watzon/funcbox/internal/triggers"
)

// EventHandlers accepts application events.
type EventHandlers struct {
	bus       *events.Bus
	evaluator *triggers.Evaluator
}

// NewEventHandlers creates event handlers. Either dependency may be nil,
// which disables the matching delivery mode.
func NewEventHandlers(bus *events.Bus, evaluator *triggers.Evaluator) *EventHandlers {
	return &EventHandlers{bus: bus, evaluator: evaluator}
}

// EmitRequest is the body of POST /api/events.
type EmitRequest struct {
	Object  string         `json:"object"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// Emit handles POST /api/events. By default the event is queued on the bus
// and 202 is returned. With ?sync=true triggers are evaluated inline and
// their outcomes returned.
func (h *EventHandlers) Emit(w http.ResponseWriter, r *http.Request) {
	var req EmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Object = strings.TrimSpace(req.Object)
	req.Action = strings.TrimSpace(req.Action)
	if req.Object == "" || req.Action == "" {
		Error(w, http.StatusBadRequest, "INVALID_EVENT", "object and action are required")
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		h.emitSync(w, r, req)
		return
	}

	if h.bus == nil {
		Error(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event bus is not enabled")
		return
	}

	ev := &events.Event{
		Object:    req.Object,
		Action:    req.Action,
		Payload:   req.Payload,
		Source:    events.SourceAPI,
		RequestID: requestctx.RequestID(r.Context()),
	}
	if err := h.bus.Publish(r.Context(), ev); err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			Error(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
			return
		}
		log.Error().Err(err).Str("event", ev.Name()).Msg("Failed to publish event")
		InternalError(w, "Failed to publish event")
		return
	}

	JSON(w, http.StatusAccepted, ev)
}

func (h *EventHandlers) emitSync(w http.ResponseWriter, r *http.Request, req EmitRequest) {
	if h.evaluator == nil {
		Error(w, http.StatusServiceUnavailable, "TRIGGERS_DISABLED", "Trigger evaluator is not enabled")
		return
	}
	if strings.ContainsAny(req.Object+req.Action, "*?") {
		Error(w, http.StatusBadRequest, "INVALID_EVENT", "event names cannot contain wildcard characters")
		return
	}

	outcomes, err := h.evaluator.NotifyEvent(r.Context(), &triggers.Event{
		Object:     req.Object,
		Action:     req.Action,
		Payload:    req.Payload,
		RequestID:  requestctx.RequestID(r.Context()),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		// Only a cancelled request stops evaluation part way.
		log.Warn().Err(err).Str("event", req.Object+"."+req.Action).Msg("Event evaluation interrupted")
	}

	fired := 0
	for _, o := range outcomes {
		if o.Fired() {
			fired++
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"event":    req.Object + "." + req.Action,
		"matched":  len(outcomes),
		"fired":    fired,
		"outcomes": outcomes,
	})
}

// Get handles GET /api/events/{id}.
func (h *EventHandlers) Get(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		Error(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event bus is not enabled")
		return
	}

	id := r.PathValue("id")
	ev, err := h.bus.Store().Get(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("event_id", id).Msg("Failed to get event")
		InternalError(w, "Failed to get event")
		return
	}
	if ev == nil {
		Error(w, http.StatusNotFound, "EVENT_NOT_FOUND", "Event not found: "+id)
		return
	}

	JSON(w, http.StatusOK, ev)
}
