package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/invoker"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/triggers"
)

// FunctionHandlers handles function registry and invocation endpoints.
type FunctionHandlers struct {
	registry  *functions.Registry
	invoker   *invoker.Service
	tracker   *executions.Tracker
	evaluator *triggers.Evaluator
}

// NewFunctionHandlers creates new function handlers. evaluator may be nil,
// in which case manifest triggers are rejected.
func NewFunctionHandlers(registry *functions.Registry, inv *invoker.Service, tracker *executions.Tracker, evaluator *triggers.Evaluator) *FunctionHandlers {
	return &FunctionHandlers{
		registry:  registry,
		invoker:   inv,
		tracker:   tracker,
		evaluator: evaluator,
	}
}

// RegisterResponse is the response for a registration.
type RegisterResponse struct {
	*functions.Registered
	Triggers []string `json:"triggers,omitempty"`
}

// Register handles POST /api/functions. The body is a JSON definition or,
// with a YAML content type, a manifest that may declare triggers.
func (h *FunctionHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var (
		def      *functions.Definition
		declared []functions.ManifestTrigger
	)

	if isYAML(r) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			BadRequest(w, "Failed to read body: "+err.Error())
			return
		}
		m, err := functions.ParseManifest(data)
		if err != nil {
			Error(w, http.StatusBadRequest, "INVALID_MANIFEST", err.Error())
			return
		}
		if m.Source.File != "" {
			Error(w, http.StatusBadRequest, "INVALID_MANIFEST", "source.file is not accepted over HTTP, inline the code")
			return
		}
		if len(m.Triggers) > 0 && h.evaluator == nil {
			Error(w, http.StatusBadRequest, "TRIGGERS_DISABLED", "Manifest declares triggers but the trigger evaluator is not running")
			return
		}
		if def, err = m.Definition(""); err != nil {
			Error(w, http.StatusBadRequest, "INVALID_MANIFEST", err.Error())
			return
		}
		declared = m.Triggers
	} else {
		def = &functions.Definition{}
		if !decodeJSON(w, r, def) {
			return
		}
	}

	reg, err := h.registry.Register(r.Context(), def)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	resp := RegisterResponse{Registered: reg}
	for i, mt := range declared {
		t, err := triggers.FromManifest(reg.Definition.ID, mt)
		if err == nil {
			var id string
			if id, err = h.evaluator.Register(r.Context(), t); err == nil {
				resp.Triggers = append(resp.Triggers, id)
				continue
			}
		}
		// The definition is stored; report the trigger that failed.
		log.Warn().Err(err).Str("function_id", reg.Definition.ID).Int("trigger", i).Msg("Failed to register manifest trigger")
		ErrorWithDetails(w, http.StatusBadRequest, "INVALID_TRIGGER", err.Error(), map[string]any{
			"function": reg,
			"index":    i,
		})
		return
	}

	JSON(w, http.StatusCreated, resp)
}

// List handles GET /api/functions.
func (h *FunctionHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	regs, err := h.registry.List(r.Context(), functions.Filter{
		Tag:     q.Get("tag"),
		Runtime: q.Get("runtime"),
		Name:    q.Get("name"),
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"functions": regs,
		"total":     len(regs),
	})
}

// Get handles GET /api/functions/{id}. The version query parameter selects
// a specific version.
func (h *FunctionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reg, err := h.registry.Get(r.Context(), id, r.URL.Query().Get("version"))
	if err != nil {
		log.Error().Err(err).Str("function_id", id).Msg("Failed to get function")
		InternalError(w, "Failed to load function")
		return
	}
	if reg == nil {
		Error(w, http.StatusNotFound, "FUNCTION_NOT_FOUND", "Function not found: "+id)
		return
	}
	JSON(w, http.StatusOK, reg)
}

// Versions handles GET /api/functions/{id}/versions.
func (h *FunctionHandlers) Versions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	regs, err := h.registry.Versions(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("function_id", id).Msg("Failed to list versions")
		InternalError(w, "Failed to list versions")
		return
	}
	if len(regs) == 0 {
		Error(w, http.StatusNotFound, "FUNCTION_NOT_FOUND", "Function not found: "+id)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"versions": regs})
}

// Invoke handles POST /api/functions/{id}/invoke. Handler failures and
// timeouts are reported with status 200 and success false.
func (h *FunctionHandlers) Invoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req invoker.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Trigger = invoker.Trigger{Type: executions.TriggerHTTP}

	res, err := h.invoker.Execute(r.Context(), id, req)
	switch {
	case errors.Is(err, invoker.ErrFunctionNotFound):
		Error(w, http.StatusNotFound, "FUNCTION_NOT_FOUND", err.Error())
	case sandbox.IsSetupError(err):
		ErrorWithDetails(w, http.StatusServiceUnavailable, "SANDBOX_SETUP_ERROR", err.Error(), res)
	case err != nil:
		log.Error().Err(err).Str("function_id", id).Msg("Invocation failed")
		InternalError(w, "Invocation failed")
	default:
		JSON(w, http.StatusOK, res)
	}
}

// Executions handles GET /api/functions/{id}/executions, newest first.
func (h *FunctionHandlers) Executions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, offset := pagination(r, 50, 500)

	recs, err := h.tracker.List(r.Context(), executions.Filter{
		FunctionID: id,
		Status:     executions.Status(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		log.Error().Err(err).Str("function_id", id).Msg("Failed to list executions")
		InternalError(w, "Failed to list executions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"limit":      limit,
		"offset":     offset,
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	var verr *functions.ValidationError
	var conflict *functions.VersionConflictError
	switch {
	case errors.As(err, &verr):
		ErrorWithDetails(w, http.StatusBadRequest, "VALIDATION_FAILED", verr.Error(), verr.Fields)
	case errors.As(err, &conflict):
		ErrorWithDetails(w, http.StatusConflict, "VERSION_CONFLICT", conflict.Error(), map[string]string{
			"id":        conflict.ID,
			"attempted": conflict.Attempted,
			"current":   conflict.Current,
		})
	default:
		log.Error().Err(err).Msg("Registry operation failed")
		InternalError(w, "Registry operation failed")
	}
}

func isYAML(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}
