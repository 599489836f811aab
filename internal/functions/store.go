package functions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/blobstore"
	"github.com/watzon/funcbox/internal/database"
)

// Store persists definitions and the per-function head pointer.
type Store interface {
	// Head returns the current head of id, or nil when id is unknown.
	Head(ctx context.Context, id string) (*Head, error)
	// Insert writes def and advances the head from expectedRevision to the
	// next revision atomically. A revision of 0 means the function must not
	// exist yet. Returns ErrHeadMoved when the head no longer matches.
	Insert(ctx context.Context, def *Definition, expectedRevision int64) error
	// Get returns one version, or nil when it does not exist.
	Get(ctx context.Context, id, version string) (*Definition, error)
	// Versions returns every version of id in unspecified order.
	Versions(ctx context.Context, id string) ([]*Definition, error)
	// All returns every version of every function in unspecified order.
	All(ctx context.Context) ([]*Definition, error)
}

// SQLStore is the SQLite implementation of Store. Sources larger than the
// inline limit are kept in the blob store when one is configured.
type SQLStore struct {
	db          *database.DB
	blobs       *blobstore.Store
	inlineLimit int
}

// NewSQLStore creates a store. blobs may be nil, in which case every source
// is stored inline.
func NewSQLStore(db *database.DB, blobs *blobstore.Store, inlineLimit int) *SQLStore {
	return &SQLStore{db: db, blobs: blobs, inlineLimit: inlineLimit}
}

const definitionColumns = `
	id, version, name, description, author, tags, runtime,
	timeout_seconds, memory_mb, env, language, handler, code,
	source_digest, source_blob, created_at, updated_at`

func (s *SQLStore) Head(ctx context.Context, id string) (*Head, error) {
	var head Head
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, revision, created_at FROM function_heads WHERE id = ?
	`, id).Scan(&head.ID, &head.Version, &head.Revision, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying function head: %w", err)
	}

	head.CreatedAt, err = database.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing head created_at: %w", err)
	}
	return &head, nil
}

func (s *SQLStore) Insert(ctx context.Context, def *Definition, expectedRevision int64) error {
	tags, err := json.Marshal(def.Metadata.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	env, err := json.Marshal(def.Metadata.Env)
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}

	code := sql.NullString{String: def.Source.Code, Valid: true}
	inBlob := false
	if s.blobs != nil && len(def.Source.Code) > s.inlineLimit {
		digest, err := s.blobs.Put(ctx, []byte(def.Source.Code))
		if err != nil {
			return fmt.Errorf("storing source blob: %w", err)
		}
		if digest != def.Source.Digest {
			return fmt.Errorf("source digest mismatch: %s != %s", digest, def.Source.Digest)
		}
		code = sql.NullString{}
		inBlob = true
	}

	now := database.FormatTime(def.Metadata.UpdatedAt)

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		if expectedRevision == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO function_heads (id, version, revision, created_at, updated_at)
				VALUES (?, ?, 1, ?, ?)
			`, def.ID, def.Metadata.Version, database.FormatTime(def.Metadata.CreatedAt), now)
			if err != nil {
				if database.IsUniqueError(database.ClassifyError(err)) {
					return ErrHeadMoved
				}
				return fmt.Errorf("creating function head: %w", err)
			}
		} else {
			result, err := tx.ExecContext(ctx, `
				UPDATE function_heads
				SET version = ?, revision = revision + 1, updated_at = ?
				WHERE id = ? AND revision = ?
			`, def.Metadata.Version, now, def.ID, expectedRevision)
			if err != nil {
				return fmt.Errorf("advancing function head: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("getting rows affected: %w", err)
			}
			if rows == 0 {
				return ErrHeadMoved
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO functions (`+definitionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			def.ID,
			def.Metadata.Version,
			def.Metadata.Name,
			def.Metadata.Description,
			def.Metadata.Author,
			string(tags),
			def.Metadata.Runtime,
			def.Metadata.Timeout,
			def.Metadata.Memory,
			string(env),
			def.Source.Language,
			def.Source.Handler,
			code,
			def.Source.Digest,
			inBlob,
			database.FormatTime(def.Metadata.CreatedAt),
			now,
		)
		if err != nil {
			if database.IsUniqueError(database.ClassifyError(err)) {
				return ErrVersionExists
			}
			return fmt.Errorf("inserting function: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, id, version string) (*Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM functions WHERE id = ? AND version = ?
	`, id, version)
	if err != nil {
		return nil, fmt.Errorf("querying function: %w", err)
	}
	defs, err := s.scan(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}
	return defs[0], nil
}

func (s *SQLStore) Versions(ctx context.Context, id string) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM functions WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying function versions: %w", err)
	}
	return s.scan(ctx, rows)
}

func (s *SQLStore) All(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM functions`)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	return s.scan(ctx, rows)
}

func (s *SQLStore) scan(ctx context.Context, rows *sql.Rows) ([]*Definition, error) {
	defer rows.Close()

	var defs []*Definition
	var blobbed []*Definition

	for rows.Next() {
		var def Definition
		var tags, env, createdAt, updatedAt string
		var code sql.NullString
		var inBlob bool

		err := rows.Scan(
			&def.ID,
			&def.Metadata.Version,
			&def.Metadata.Name,
			&def.Metadata.Description,
			&def.Metadata.Author,
			&tags,
			&def.Metadata.Runtime,
			&def.Metadata.Timeout,
			&def.Metadata.Memory,
			&env,
			&def.Source.Language,
			&def.Source.Handler,
			&code,
			&def.Source.Digest,
			&inBlob,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning function row: %w", err)
		}

		if err := json.Unmarshal([]byte(tags), &def.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
		if err := json.Unmarshal([]byte(env), &def.Metadata.Env); err != nil {
			return nil, fmt.Errorf("unmarshaling env: %w", err)
		}
		if def.Metadata.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if def.Metadata.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		def.Source.Code = code.String
		if inBlob {
			blobbed = append(blobbed, &def)
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating function rows: %w", err)
	}

	// Blob reads happen after the rows are released so they never hold the
	// single SQLite connection.
	for _, def := range blobbed {
		if err := s.hydrate(ctx, def); err != nil {
			return nil, err
		}
	}

	return defs, nil
}

func (s *SQLStore) hydrate(ctx context.Context, def *Definition) error {
	if s.blobs == nil {
		return fmt.Errorf("function %s@%s has its source in the blob store but none is configured",
			def.ID, def.Metadata.Version)
	}
	content, err := s.blobs.Get(ctx, def.Source.Digest)
	if err != nil {
		log.Error().
			Err(err).
			Str("function_id", def.ID).
			Str("version", def.Metadata.Version).
			Str("digest", def.Source.Digest).
			Msg("Failed to load function source")
		return fmt.Errorf("loading source for %s@%s: %w", def.ID, def.Metadata.Version, err)
	}
	def.Source.Code = string(content)
	return nil
}
