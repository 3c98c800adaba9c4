package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The default rule uses a fixed id so repeated migrations stay idempotent and
// every environment agrees on which row is the platform fallback.
const (
	defaultRuleID   int64 = 1
	defaultRuleName       = "platform-default"
	defaultRuleBps  int64 = 1500
)

// seedSystemImmutableData guarantees the always-valid global commission rule
// exists so rule selection can never come up empty. The runtime seed aligns
// its rate with configuration afterwards; the migration only guarantees
// existence.
func seedSystemImmutableData(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("system seed requires database handle")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO commission_rules (
			id, name, type, rate_bps, fixed_minor, priority,
			valid_from, is_active, created_at, updated_at
		)
		VALUES ($1, $2, 'percentage', $3, 0, $4, $5, TRUE, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`, defaultRuleID, defaultRuleName, defaultRuleBps, -1<<31, time.Unix(0, 0).UTC(), now)
	if err != nil {
		return fmt.Errorf("seed default commission rule: %w", err)
	}
	return nil
}
