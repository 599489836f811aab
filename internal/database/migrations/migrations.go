// Package migrations applies the embedded schema for funcbox tables.
//
// Each file under sql/ is one migration, applied once in filename order and
// recorded with a SHA-256 of its content. Editing a migration that a
// database already ran is reported as a ChecksumError instead of being
// silently skipped.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var sqlFS embed.FS

const versionTable = "_funcbox_migrations"

// Migration is one embedded schema file.
type Migration struct {
	ID       string
	Checksum string
	body     string
}

// Status describes an embedded migration against one database.
type Status struct {
	ID        string    `json:"id"`
	Checksum  string    `json:"checksum"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"applied_at,omitzero"`
}

// ChecksumError reports an applied migration whose embedded file changed.
type ChecksumError struct {
	ID       string
	Recorded string
	Embedded string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("migration %s was modified after it was applied (recorded %s, embedded %s)",
		e.ID, abbrev(e.Recorded), abbrev(e.Embedded))
}

type record struct {
	checksum  string
	appliedAt time.Time
}

// Run applies every pending migration, each in its own transaction.
func Run(ctx context.Context, db *sql.DB) error {
	return run(ctx, db, sqlFS)
}

func run(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	all, err := load(fsys)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	applied, err := appliedRecords(ctx, db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range all {
		if rec, ok := applied[m.ID]; ok {
			if rec.checksum != m.Checksum {
				return &ChecksumError{ID: m.ID, Recorded: rec.checksum, Embedded: m.Checksum}
			}
			continue
		}

		start := time.Now()
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.ID, err)
		}
		count++
		log.Info().
			Str("migration", m.ID).
			Dur("took", time.Since(start)).
			Msg("Applied migration")
	}

	if count > 0 {
		log.Debug().Int("applied", count).Int("total", len(all)).Msg("Schema up to date")
	}
	return nil
}

// List reports every embedded migration and whether db has applied it.
func List(ctx context.Context, db *sql.DB) ([]Status, error) {
	return list(ctx, db, sqlFS)
}

func list(ctx context.Context, db *sql.DB, fsys fs.FS) ([]Status, error) {
	all, err := load(fsys)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	applied, err := appliedRecords(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(all))
	for _, m := range all {
		s := Status{ID: m.ID, Checksum: m.Checksum}
		if rec, ok := applied[m.ID]; ok {
			s.Applied = true
			s.AppliedAt = rec.appliedAt
		}
		out = append(out, s)
	}
	return out, nil
}

func appliedRecords(ctx context.Context, db *sql.DB) (map[string]record, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+versionTable+` (
			id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("ensuring version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM `+versionTable)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]record)
	for rows.Next() {
		var id, checksum, at string
		if err := rows.Scan(&id, &checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning migration: %w", err)
		}
		t, _ := time.Parse(time.RFC3339Nano, at)
		applied[id] = record{checksum: checksum, appliedAt: t}
	}
	return applied, rows.Err()
}

func load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(names)

	all := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		all = append(all, Migration{
			ID:       strings.TrimSuffix(path.Base(name), ".sql"),
			Checksum: hex.EncodeToString(sum[:]),
			body:     string(body),
		})
	}
	return all, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements(m.body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", short(stmt), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+versionTable+` (id, checksum, applied_at) VALUES (?, ?, ?)`,
		m.ID, m.Checksum, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

// statements splits a script on semicolons outside quotes and drops "--"
// line comments. SQLite escapes a quote by doubling it, which toggles the
// quoted state twice and needs no special case.
func statements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := rune(script[i])
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '-' && strings.HasPrefix(script[i:], "--"):
			if nl := strings.IndexByte(script[i:], '\n'); nl >= 0 {
				i += nl
				cur.WriteByte('\n')
			} else {
				i = len(script)
			}
			continue
		case ch == ';':
			flush()
			continue
		}
		cur.WriteByte(script[i])
	}
	flush()
	return out
}

func abbrev(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func short(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= 60 {
		return s
	}
	return s[:57] + "..."
}
