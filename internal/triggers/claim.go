package triggers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watzon/funcbox/internal/database"
)

// Claimer records that an occurrence of a schedule has been taken. Claim
// returns true for exactly one caller per (trigger, occurrence).
type Claimer interface {
	Claim(ctx context.Context, triggerID string, occurrence time.Time) (bool, error)
}

// SQLClaimer claims occurrences through the trigger_fires primary key.
type SQLClaimer struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLClaimer creates a claimer backed by db.
func NewSQLClaimer(db *database.DB) *SQLClaimer {
	return &SQLClaimer{db: db, now: time.Now}
}

func (c *SQLClaimer) Claim(ctx context.Context, triggerID string, occurrence time.Time) (bool, error) {
	result, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trigger_fires (trigger_id, occurrence, claimed_at)
		VALUES (?, ?, ?)
	`, triggerID, database.FormatTime(occurrence), database.FormatTime(c.now()))
	if err != nil {
		return false, fmt.Errorf("claiming occurrence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows == 1, nil
}

// PruneClaims removes claims for occurrences before cutoff.
func (c *SQLClaimer) PruneClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM trigger_fires WHERE occurrence < ?`, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning claims: %w", err)
	}
	return result.RowsAffected()
}

// RedisClaimer claims occurrences with SETNX so several funcbox processes
// sharing one Redis fire each occurrence once.
type RedisClaimer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

const defaultClaimTTL = 7 * 24 * time.Hour

// NewRedisClaimer creates a claimer. Claims expire after ttl.
func NewRedisClaimer(client redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisClaimer{client: client, prefix: "funcbox:trigger-fire:", ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, triggerID string, occurrence time.Time) (bool, error) {
	key := c.prefix + triggerID + ":" + database.FormatTime(occurrence)
	ok, err := c.client.SetNX(ctx, key, database.FormatTime(time.Now()), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming occurrence in redis: %w", err)
	}
	return ok, nil
}

// memoryClaimer is used when the evaluator has no store.
type memoryClaimer struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func newMemoryClaimer() *memoryClaimer {
	return &memoryClaimer{claimed: make(map[string]struct{})}
}

func (c *memoryClaimer) Claim(_ context.Context, triggerID string, occurrence time.Time) (bool, error) {
	key := triggerID + "@" + database.FormatTime(occurrence)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claimed[key]; ok {
		return false, nil
	}
	c.claimed[key] = struct{}{}
	return true, nil
}
