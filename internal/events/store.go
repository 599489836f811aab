package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watzon/funcbox/internal/database"
)

const eventColumns = `id, object, action, payload, source, request_id, status, error, created_at, processed_at`

// Store handles database operations for events.
type Store struct {
	db *database.DB
}

// NewStore creates a new event store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new event. ID, CreatedAt and Status are filled in when
// empty.
func (s *Store) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating event id: %w", err)
		}
		event.ID = id.String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = StatusPending
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, object, action, payload, source, request_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Object,
		event.Action,
		string(payload),
		event.Source,
		event.RequestID,
		string(event.Status),
		database.FormatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Get returns the event with id, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// GetPending returns up to limit pending events, oldest first.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Claim moves a pending event to processing. It reports false when another
// worker already took it.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = 'processing' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming event: %w", err)
	}
	return n == 1, nil
}

// Finish records the terminal status of an event.
func (s *Store) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, error = ?, processed_at = ?
		WHERE id = ?
	`, string(status), errMsg, database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating event status: %w", err)
	}
	return nil
}

// Requeue returns events stuck in processing, e.g. after a crash, to the
// pending state.
func (s *Store) Requeue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("requeueing events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan deletes processed events created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE created_at < ? AND status IN ('completed', 'failed')
	`, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event

	for rows.Next() {
		var (
			event       Event
			payload     string
			status      string
			createdAt   string
			processedAt sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&event.Object,
			&event.Action,
			&payload,
			&event.Source,
			&event.RequestID,
			&status,
			&event.Error,
			&createdAt,
			&processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		event.Status = Status(status)

		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload: %w", err)
		}
		if event.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if event.ProcessedAt, err = database.NullTime(processedAt); err != nil {
			return nil, fmt.Errorf("parsing processed_at: %w", err)
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
