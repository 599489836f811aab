package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/requestctx"
	"github.com/watzon/funcbox/internal/server/handlers"
)

// DefaultHeader carries the signature when none is configured.
const DefaultHeader = "X-Funcbox-Signature"

// Handler serves POST /webhooks/{object}/{action}. A verified body becomes
// the payload of an <object>.<action> event.
type Handler struct {
	cfg       config.WebhooksConfig
	publisher events.Publisher
}

// NewHandler creates a webhook handler publishing into p.
func NewHandler(cfg config.WebhooksConfig, p events.Publisher) *Handler {
	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}
	return &Handler{cfg: cfg, publisher: p}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	object := strings.TrimSpace(r.PathValue("object"))
	action := strings.TrimSpace(r.PathValue("action"))
	if object == "" || action == "" {
		handlers.Error(w, http.StatusBadRequest, "INVALID_EVENT", "object and action are required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handlers.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
			return
		}
		handlers.BadRequest(w, "Failed to read request body")
		return
	}

	if err := Verify(h.cfg.Algorithm, h.cfg.Secret, body, r.Header.Get(h.cfg.Header)); err != nil {
		log.Warn().
			Err(err).
			Str("event", object+"."+action).
			Str("remote", r.RemoteAddr).
			Msg("Webhook signature verification failed")
		handlers.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", err.Error())
		return
	}

	ev := &events.Event{
		Object:    object,
		Action:    action,
		Payload:   decodePayload(body),
		Source:    events.SourceWebhook,
		RequestID: requestctx.RequestID(r.Context()),
	}
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			handlers.Error(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
			return
		}
		log.Error().Err(err).Str("event", ev.Name()).Msg("Failed to publish webhook event")
		handlers.InternalError(w, "Failed to publish event")
		return
	}

	handlers.JSON(w, http.StatusAccepted, ev)
}

// decodePayload returns a JSON object body as is. Anything else is kept
// under "body" so filters can still inspect it.
func decodePayload(body []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		return payload
	}
	return map[string]any{"body": string(body)}
}
