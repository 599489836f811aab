package executions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/watzon/funcbox/internal/database"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution not found")
	// ErrAlreadyFinalized is returned when a terminal record is finalized
	// again.
	ErrAlreadyFinalized = errors.New("execution already finalized")
)

// Store handles database operations for executions.
type Store struct {
	db *database.DB
}

// NewStore creates a new execution store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `
	id, function_id, function_version, trigger_type, trigger_id, request_id,
	status, input, output, error_kind, error_message,
	started_at, finished_at, duration_ms`

// Create inserts a pending record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, function_id, function_version, trigger_type, trigger_id,
			request_id, status, input, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ExecutionID,
		rec.FunctionID,
		rec.FunctionVersion,
		rec.TriggerType,
		rec.TriggerID,
		rec.RequestID,
		rec.Status,
		nullJSON(rec.Input),
		database.FormatTime(rec.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// Finalize moves a pending record to its terminal state. Only a pending
// record is updated; the status check and the update happen in one
// transaction.
func (s *Store) Finalize(ctx context.Context, rec *Record) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		var status Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, rec.ExecutionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading execution status: %w", err)
		}
		if status != StatusPending {
			return ErrAlreadyFinalized
		}

		var errKind, errMsg sql.NullString
		if rec.Error != nil {
			errKind = sql.NullString{String: rec.Error.Kind, Valid: true}
			errMsg = sql.NullString{String: rec.Error.Message, Valid: true}
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, output = ?, error_kind = ?, error_message = ?,
			    started_at = ?, finished_at = ?, duration_ms = ?
			WHERE id = ? AND status = 'pending'
		`,
			rec.Status,
			nullJSON(rec.Output),
			errKind,
			errMsg,
			database.FormatTime(rec.StartedAt),
			database.FormatTime(*rec.FinishedAt),
			*rec.DurationMs,
			rec.ExecutionID,
		)
		if err != nil {
			return fmt.Errorf("finalizing execution: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rows == 0 {
			return ErrAlreadyFinalized
		}
		return nil
	})
}

// Get retrieves a record by id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// List retrieves records matching filter, most recent first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Record, error) {
	var where []string
	var args []any

	if filter.FunctionID != "" {
		where = append(where, "function_id = ?")
		args = append(args, filter.FunctionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	} else if !filter.IncludePending {
		where = append(where, "status != 'pending'")
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.TriggerType)
	}
	if filter.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, filter.TriggerID)
	}

	query := `SELECT ` + recordColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	return scanRecords(rows)
}

// DeleteFinishedBefore removes terminal records finished before cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE status != 'pending' AND finished_at < ?
	`, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// PendingBefore returns the ids of pending records started before cutoff.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM executions
		WHERE status = 'pending' AND started_at < ?
		ORDER BY started_at
	`, database.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying pending executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var input, output, errKind, errMsg, finishedAt sql.NullString
		var startedAt string
		var duration sql.NullInt64

		if err := rows.Scan(
			&rec.ExecutionID,
			&rec.FunctionID,
			&rec.FunctionVersion,
			&rec.TriggerType,
			&rec.TriggerID,
			&rec.RequestID,
			&rec.Status,
			&input,
			&output,
			&errKind,
			&errMsg,
			&startedAt,
			&finishedAt,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}

		var err error
		if rec.StartedAt, err = database.ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if rec.FinishedAt, err = database.NullTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		if input.Valid {
			rec.Input = []byte(input.String)
		}
		if output.Valid {
			rec.Output = []byte(output.String)
		}
		if errKind.Valid {
			rec.Error = &ErrorInfo{Kind: errKind.String, Message: errMsg.String}
		}
		if duration.Valid {
			d := duration.Int64
			rec.DurationMs = &d
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return records, nil
}

func nullJSON(raw []byte) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
