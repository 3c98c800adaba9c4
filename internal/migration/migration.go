// Package migration applies the embedded schema migrations and stamps the
// result so the schema gate can verify it at startup.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const runTimeout = 2 * time.Minute

// Run brings the schema to the embedded head under an advisory lock, seeds
// the platform-default commission rule, and records the schema fingerprint in
// system_bootstrap_state. Only the migrator entrypoint calls it.
func Run(db *sql.DB) error {
	if db == nil {
		return errors.New("migration requires a database handle")
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	return withMigrationLock(ctx, db, func() error {
		head, err := LatestVersion()
		if err != nil {
			return err
		}

		migrator, err := newMigrator(db)
		if err != nil {
			return err
		}
		if _, err := cleanVersion(migrator); err != nil {
			return err
		}
		if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		applied, err := cleanVersion(migrator)
		if err != nil {
			return err
		}
		if applied != head {
			return fmt.Errorf("migrated to version %d, embedded head is %d", applied, head)
		}

		if err := seedSystemImmutableData(ctx, db); err != nil {
			return err
		}

		checksum, err := Checksum()
		if err != nil {
			return err
		}
		return markSchemaActive(ctx, db, strconv.FormatUint(uint64(head), 10), checksum)
	})
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	files, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	source, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

// cleanVersion reads the schema version and refuses to continue over a dirty
// one: a half-applied migration needs an operator, not a retry.
func cleanVersion(migrator *migrate.Migrate) (uint, error) {
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema is dirty at version %d", version)
	}
	return version, nil
}

// markSchemaActive upserts the singleton bootstrap row the schema gate reads.
func markSchemaActive(ctx context.Context, db *sql.DB, version, checksum string) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO system_bootstrap_state (id, status, schema_version, checksum, activated_at, created_at)
		VALUES (TRUE, 'active', $1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    schema_version = EXCLUDED.schema_version,
		    checksum = EXCLUDED.checksum,
		    activated_at = EXCLUDED.activated_at
	`, version, checksum, now)
	if err != nil {
		return fmt.Errorf("mark schema active: %w", err)
	}
	return nil
}
