package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/triggers"
)

// TriggerHandlers manages declarative triggers.
type TriggerHandlers struct {
	evaluator *triggers.Evaluator
	registry  *functions.Registry
}

// NewTriggerHandlers creates trigger handlers.
func NewTriggerHandlers(evaluator *triggers.Evaluator, registry *functions.Registry) *TriggerHandlers {
	return &TriggerHandlers{evaluator: evaluator, registry: registry}
}

// CreateTriggerRequest declares an event trigger (On) or a schedule
// (Every). Exactly one of the two is set.
type CreateTriggerRequest struct {
	ID         string               `json:"id"`
	FunctionID string               `json:"function_id"`
	Version    string               `json:"version"`
	On         string               `json:"on"`
	Filter     string               `json:"filter"`
	Context    string               `json:"context"`
	Every      string               `json:"every"`
	Options    triggers.Options     `json:"options"`
	Input      map[string]any       `json:"input"`
	Retry      triggers.RetryPolicy `json:"retry"`
}

func (req *CreateTriggerRequest) build() (triggers.Trigger, error) {
	switch {
	case req.On != "" && req.Every != "":
		return nil, errors.New("on and every are mutually exclusive")
	case req.On != "":
		object, action, ok := strings.Cut(req.On, ".")
		if !ok {
			return nil, errors.New("on must be <Object>.<action>")
		}
		return triggers.On(object, action).
			ID(req.ID).
			Version(req.Version).
			Where(req.Filter).
			WithContext(req.Context).
			Retry(req.Retry).
			Invoke(req.FunctionID), nil
	case req.Every != "":
		opts := req.Options
		return triggers.Every(req.Every, &opts).
			ID(req.ID).
			Version(req.Version).
			WithInput(req.Input).
			Retry(req.Retry).
			Invoke(req.FunctionID), nil
	default:
		return nil, errors.New("one of on or every is required")
	}
}

// List handles GET /api/triggers. Triggers are returned in registration
// order, optionally narrowed by ?kind and ?function_id.
func (h *TriggerHandlers) List(w http.ResponseWriter, r *http.Request) {
	kind := triggers.Kind(r.URL.Query().Get("kind"))
	functionID := r.URL.Query().Get("function_id")

	infos := make([]triggers.Info, 0)
	for _, info := range h.evaluator.List() {
		if kind != "" && info.Kind != kind {
			continue
		}
		if functionID != "" && triggerFunction(info.Trigger) != functionID {
			continue
		}
		infos = append(infos, info)
	}

	JSON(w, http.StatusOK, map[string]any{
		"triggers": infos,
		"total":    len(infos),
	})
}

// Get handles GET /api/triggers/{id}.
func (h *TriggerHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := h.evaluator.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "TRIGGER_NOT_FOUND", "Trigger not found: "+id)
		return
	}
	JSON(w, http.StatusOK, info)
}

// Create handles POST /api/triggers.
func (h *TriggerHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTriggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.FunctionID == "" {
		Error(w, http.StatusBadRequest, "INVALID_TRIGGER", "function_id is required")
		return
	}
	reg, err := h.registry.Get(r.Context(), req.FunctionID, req.Version)
	if err != nil {
		log.Error().Err(err).Str("function_id", req.FunctionID).Msg("Failed to look up trigger function")
		InternalError(w, "Failed to look up function")
		return
	}
	if reg == nil {
		Error(w, http.StatusNotFound, "FUNCTION_NOT_FOUND", "Function not found: "+req.FunctionID)
		return
	}

	t, err := req.build()
	if err != nil {
		Error(w, http.StatusBadRequest, "INVALID_TRIGGER", err.Error())
		return
	}

	id, err := h.evaluator.Register(r.Context(), t)
	if err != nil {
		if isTriggerDeclarationError(err) {
			Error(w, http.StatusBadRequest, "INVALID_TRIGGER", err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to register trigger")
		InternalError(w, "Failed to register trigger")
		return
	}

	info, _ := h.evaluator.Get(id)
	JSON(w, http.StatusCreated, info)
}

// Delete handles DELETE /api/triggers/{id}.
func (h *TriggerHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.evaluator.Remove(r.Context(), id); err != nil {
		if errors.Is(err, triggers.ErrTriggerNotFound) {
			Error(w, http.StatusNotFound, "TRIGGER_NOT_FOUND", "Trigger not found: "+id)
			return
		}
		log.Error().Err(err).Str("trigger_id", id).Msg("Failed to remove trigger")
		InternalError(w, "Failed to remove trigger")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isTriggerDeclarationError(err error) bool {
	return errors.Is(err, triggers.ErrInvalidTrigger) ||
		errors.Is(err, triggers.ErrInvalidSchedule) ||
		errors.Is(err, triggers.ErrInvalidExpression)
}

func triggerFunction(t triggers.Trigger) string {
	switch tt := t.(type) {
	case *triggers.EventTrigger:
		return tt.FunctionID
	case *triggers.ScheduleTrigger:
		return tt.FunctionID
	}
	return ""
}
