package triggers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/watzon/funcbox/internal/database"
)

// Record is the persisted form of a declarative trigger.
type Record struct {
	ID         string
	Seq        int64
	Kind       Kind
	FunctionID string
	Version    string
	Object     string
	Action     string
	Filter     string
	Context    string
	Schedule   string
	Options    Options
	Input      map[string]any
	Retry      RetryPolicy
	CreatedAt  time.Time
}

// Trigger rebuilds the declaration.
func (r *Record) Trigger() Trigger {
	if r.Kind == KindSchedule {
		return &ScheduleTrigger{
			ID:         r.ID,
			FunctionID: r.FunctionID,
			Version:    r.Version,
			Schedule:   r.Schedule,
			Options:    r.Options,
			Input:      r.Input,
			Retry:      r.Retry,
		}
	}
	return &EventTrigger{
		ID:         r.ID,
		FunctionID: r.FunctionID,
		Version:    r.Version,
		Object:     r.Object,
		Action:     r.Action,
		Filter:     r.Filter,
		Context:    r.Context,
		Retry:      r.Retry,
	}
}

// Status is the persisted runtime state of a trigger.
type Status struct {
	TriggerID       string     `json:"trigger_id"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty"`
	LastOutcome     string     `json:"last_outcome,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	FireCount       int64      `json:"fire_count"`
	ErrorCount      int64      `json:"error_count"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Store handles database operations for triggers, their state and
// occurrence claims.
type Store struct {
	db *database.DB
}

// NewStore creates a new trigger store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SaveTrigger inserts or replaces a declaration.
func (s *Store) SaveTrigger(ctx context.Context, rec *Record) error {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshaling options: %w", err)
	}
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}
	retry, err := json.Marshal(rec.Retry)
	if err != nil {
		return fmt.Errorf("marshaling retry policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triggers (
			id, seq, kind, function_id, function_version, object, action,
			filter, context, schedule, options, input, retry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			function_id = excluded.function_id,
			function_version = excluded.function_version,
			object = excluded.object,
			action = excluded.action,
			filter = excluded.filter,
			context = excluded.context,
			schedule = excluded.schedule,
			options = excluded.options,
			input = excluded.input,
			retry = excluded.retry
	`,
		rec.ID,
		rec.Seq,
		rec.Kind,
		rec.FunctionID,
		rec.Version,
		rec.Object,
		rec.Action,
		rec.Filter,
		rec.Context,
		rec.Schedule,
		string(options),
		string(input),
		string(retry),
		database.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving trigger: %w", err)
	}
	return nil
}

// ListTriggers returns every declaration in registration order.
func (s *Store) ListTriggers(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, kind, function_id, function_version, object, action,
		       filter, context, schedule, options, input, retry, created_at
		FROM triggers
		ORDER BY seq, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var options, input, retry, createdAt string
		if err := rows.Scan(
			&rec.ID, &rec.Seq, &rec.Kind, &rec.FunctionID, &rec.Version,
			&rec.Object, &rec.Action, &rec.Filter, &rec.Context, &rec.Schedule,
			&options, &input, &retry, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &rec.Options); err != nil {
			return nil, fmt.Errorf("unmarshaling options: %w", err)
		}
		if err := json.Unmarshal([]byte(input), &rec.Input); err != nil {
			return nil, fmt.Errorf("unmarshaling input: %w", err)
		}
		if err := json.Unmarshal([]byte(retry), &rec.Retry); err != nil {
			return nil, fmt.Errorf("unmarshaling retry policy: %w", err)
		}
		if rec.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating triggers: %w", err)
	}
	return records, nil
}

// MaxSeq returns the highest persisted registration sequence.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM triggers`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying trigger sequence: %w", err)
	}
	return seq.Int64, nil
}

// TriggerSeq returns the persisted registration sequence of a trigger.
func (s *Store) TriggerSeq(ctx context.Context, id string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM triggers WHERE id = ?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying trigger sequence: %w", err)
	}
	return seq, true, nil
}

// DeleteTrigger removes a declaration with its state and claims.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		for _, query := range []string{
			`DELETE FROM triggers WHERE id = ?`,
			`DELETE FROM trigger_state WHERE trigger_id = ?`,
			`DELETE FROM trigger_fires WHERE trigger_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return fmt.Errorf("deleting trigger: %w", err)
			}
		}
		return nil
	})
}

// GetState returns the state of a trigger, or nil when none is stored.
func (s *Store) GetState(ctx context.Context, id string) (*Status, error) {
	var st Status
	var lastFired, nextFire sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT trigger_id, last_fired_at, next_fire_at, last_outcome, last_error,
		       last_execution_id, fire_count, error_count, updated_at
		FROM trigger_state WHERE trigger_id = ?
	`, id).Scan(
		&st.TriggerID, &lastFired, &nextFire, &st.LastOutcome, &st.LastError,
		&st.LastExecutionID, &st.FireCount, &st.ErrorCount, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying trigger state: %w", err)
	}

	if st.LastFiredAt, err = database.NullTime(lastFired); err != nil {
		return nil, fmt.Errorf("parsing last_fired_at: %w", err)
	}
	if st.NextFireAt, err = database.NullTime(nextFire); err != nil {
		return nil, fmt.Errorf("parsing next_fire_at: %w", err)
	}
	if st.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &st, nil
}

// SaveState inserts or replaces the state of a trigger.
func (s *Store) SaveState(ctx context.Context, st *Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_state (
			trigger_id, last_fired_at, next_fire_at, last_outcome, last_error,
			last_execution_id, fire_count, error_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET
			last_fired_at = excluded.last_fired_at,
			next_fire_at = excluded.next_fire_at,
			last_outcome = excluded.last_outcome,
			last_error = excluded.last_error,
			last_execution_id = excluded.last_execution_id,
			fire_count = excluded.fire_count,
			error_count = excluded.error_count,
			updated_at = excluded.updated_at
	`,
		st.TriggerID,
		nullTime(st.LastFiredAt),
		nullTime(st.NextFireAt),
		st.LastOutcome,
		st.LastError,
		st.LastExecutionID,
		st.FireCount,
		st.ErrorCount,
		database.FormatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving trigger state: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: database.FormatTime(*t), Valid: true}
}
