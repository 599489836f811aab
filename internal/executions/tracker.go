package executions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// abandonedKind is the error kind recorded for executions left pending by a
// process that exited mid-run.
const abandonedKind = "SandboxSetupError"

// Tracker owns execution records: it allocates ids, writes the pending
// record and finalizes it exactly once.
type Tracker struct {
	store     *Store
	feed      *Feed
	retention time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. feed may be nil.
func NewTracker(store *Store, feed *Feed, retention time.Duration) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:     store,
		feed:      feed,
		retention: retention,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the retention cleanup loop. It does nothing when retention
// is disabled.
func (t *Tracker) Start(interval time.Duration) {
	if t.retention <= 0 || interval <= 0 {
		return
	}
	t.wg.Add(1)
	go t.cleanupLoop(interval)
}

// Stop ends the cleanup loop.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// RecordStart writes a pending record and returns its time-ordered id.
func (t *Tracker) RecordStart(ctx context.Context, start Start) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating execution id: %w", err)
	}

	input, err := json.Marshal(start.Input)
	if err != nil {
		input = nil
	}

	triggerType := start.TriggerType
	if triggerType == "" {
		triggerType = TriggerDirect
	}

	rec := &Record{
		ExecutionID:     id.String(),
		FunctionID:      start.FunctionID,
		FunctionVersion: start.FunctionVersion,
		TriggerType:     triggerType,
		TriggerID:       start.TriggerID,
		RequestID:       start.RequestID,
		Input:           input,
		Status:          StatusPending,
		StartedAt:       t.now().UTC(),
	}

	if err := t.store.Create(ctx, rec); err != nil {
		return "", err
	}

	log.Debug().
		Str("execution_id", rec.ExecutionID).
		Str("function_id", rec.FunctionID).
		Str("version", rec.FunctionVersion).
		Str("trigger_type", rec.TriggerType).
		Msg("Execution started")

	return rec.ExecutionID, nil
}

// RecordFinish finalizes a pending record. A second call for the same id
// returns ErrAlreadyFinalized and leaves the record untouched; an unknown id
// returns ErrNotFound.
func (t *Tracker) RecordFinish(ctx context.Context, executionID string, outcome Outcome) (*Record, error) {
	if err := validateOutcome(outcome); err != nil {
		return nil, err
	}

	current, err := t.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotFound
	}
	if current.Status != StatusPending {
		t.logDoubleFinish(executionID, current.Status, outcome.Status)
		return nil, ErrAlreadyFinalized
	}

	started := outcome.StartedAt
	if started.IsZero() {
		started = current.StartedAt
	}
	finished := outcome.FinishedAt
	if finished.IsZero() {
		finished = t.now()
	}

	// Stored timestamps are wall-clock nanoseconds, so the duration is
	// computed from the same values.
	started, finished = started.Round(0).UTC(), finished.Round(0).UTC()
	if finished.Before(started) {
		finished = started
	}
	duration := finished.Sub(started).Milliseconds()

	rec := *current
	rec.Status = outcome.Status
	rec.Error = outcome.Error
	rec.StartedAt = started
	rec.FinishedAt = &finished
	rec.DurationMs = &duration
	rec.Output = nil
	if outcome.Status == StatusSucceeded {
		if rec.Output, err = json.Marshal(outcome.Output); err != nil {
			return nil, fmt.Errorf("encoding output: %w", err)
		}
	}

	if err := t.store.Finalize(ctx, &rec); err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			t.logDoubleFinish(executionID, "", outcome.Status)
		}
		return nil, err
	}

	event := log.Debug()
	if rec.Status != StatusSucceeded {
		event = log.Info().Str("error_kind", rec.Error.Kind).Str("error", rec.Error.Message)
	}
	event.
		Str("execution_id", rec.ExecutionID).
		Str("function_id", rec.FunctionID).
		Str("status", string(rec.Status)).
		Int64("duration_ms", duration).
		Msg("Execution finished")

	if t.feed != nil {
		t.feed.Publish(&rec)
	}
	return &rec, nil
}

func (t *Tracker) logDoubleFinish(id string, current, attempted Status) {
	log.Error().
		Str("execution_id", id).
		Str("current_status", string(current)).
		Str("attempted_status", string(attempted)).
		Msg("Execution finalized twice")
}

func validateOutcome(o Outcome) error {
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	if o.Status == StatusSucceeded && o.Error != nil {
		return errors.New("succeeded outcome must not carry an error")
	}
	if o.Status != StatusSucceeded && o.Error == nil {
		return fmt.Errorf("%s outcome requires an error", o.Status)
	}
	return nil
}

// Get returns a finalized record, or nil when the id is unknown or the
// execution is still running.
func (t *Tracker) Get(ctx context.Context, executionID string) (*Record, error) {
	rec, err := t.store.Get(ctx, executionID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Status == StatusPending {
		return nil, nil
	}
	return rec, nil
}

// ListByFunction returns finalized records of functionID ordered by start
// time, most recent first.
func (t *Tracker) ListByFunction(ctx context.Context, functionID string, limit, offset int) ([]*Record, error) {
	return t.store.List(ctx, Filter{FunctionID: functionID, Limit: limit, Offset: offset})
}

// List returns records matching filter, most recent first.
func (t *Tracker) List(ctx context.Context, filter Filter) ([]*Record, error) {
	return t.store.List(ctx, filter)
}

// AbandonPending fails every record still pending from before cutoff. It is
// run at startup, when no execution of the previous process can still
// finish.
func (t *Tracker) AbandonPending(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := t.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, id := range ids {
		_, err := t.RecordFinish(ctx, id, Outcome{
			Status: StatusFailed,
			Error:  &ErrorInfo{Kind: abandonedKind, Message: "execution abandoned by process restart"},
		})
		if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
			return abandoned, err
		}
		if err == nil {
			abandoned++
		}
	}

	if abandoned > 0 {
		log.Warn().Int("count", abandoned).Msg("Marked abandoned executions as failed")
	}
	return abandoned, nil
}

// Cleanup deletes finalized records older than the retention period.
func (t *Tracker) Cleanup(ctx context.Context) (int64, error) {
	if t.retention <= 0 {
		return 0, nil
	}
	deleted, err := t.store.DeleteFinishedBefore(ctx, t.now().Add(-t.retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Debug().Int64("count", deleted).Msg("Deleted old executions")
	}
	return deleted, nil
}

func (t *Tracker) cleanupLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Cleanup(t.ctx); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old executions")
			}
		}
	}
}
