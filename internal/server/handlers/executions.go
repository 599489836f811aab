package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/metrics"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// ExecutionHandlers handles execution log endpoints.
type ExecutionHandlers struct {
	tracker *executions.Tracker
	feed    *executions.Feed
}

// NewExecutionHandlers creates new execution handlers. feed may be nil,
// which disables the stream endpoint.
func NewExecutionHandlers(tracker *executions.Tracker, feed *executions.Feed) *ExecutionHandlers {
	return &ExecutionHandlers{tracker: tracker, feed: feed}
}

// List handles GET /api/executions.
func (h *ExecutionHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r, 50, 500)

	recs, err := h.tracker.List(r.Context(), executions.Filter{
		FunctionID:  q.Get("function_id"),
		Status:      executions.Status(q.Get("status")),
		TriggerType: q.Get("trigger_type"),
		TriggerID:   q.Get("trigger_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list executions")
		InternalError(w, "Failed to list executions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"limit":      limit,
		"offset":     offset,
	})
}

// Get handles GET /api/executions/{id}. Executions still running are not
// visible.
func (h *ExecutionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("Failed to get execution")
		InternalError(w, "Failed to get execution")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "EXECUTION_NOT_FOUND", "Execution not found: "+id)
		return
	}

	JSON(w, http.StatusOK, rec)
}

// Stream handles GET /api/executions/stream. It upgrades to a websocket and
// pushes every finalized record, optionally limited by ?function_id.
func (h *ExecutionHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		Error(w, http.StatusServiceUnavailable, "STREAM_DISABLED", "Execution stream is not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("Execution stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	records, unsubscribe := h.feed.Subscribe(r.URL.Query().Get("function_id"))
	metrics.SetStreamSubscribers(h.feed.Len())
	defer func() {
		unsubscribe()
		metrics.SetStreamSubscribers(h.feed.Len())
	}()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				log.Debug().Err(err).Msg("Execution stream write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec *executions.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
