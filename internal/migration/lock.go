package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Session-scoped postgres advisory lock key for this subsystem's migrator.
const migrationLockKey int64 = 7_715_524_280

// withMigrationLock runs fn while holding the advisory lock, so concurrent
// deploys never race the schema. A held lock is an immediate error rather
// than a wait: the other migrator will finish the job.
func withMigrationLock(ctx context.Context, db *sql.DB, fn func() error) error {
	var locked bool
	if err := db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !locked {
		return errors.New("another migration is in progress")
	}
	defer func() {
		var released bool
		_ = db.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey).Scan(&released)
	}()

	return fn()
}
