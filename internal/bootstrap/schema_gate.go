// Package bootstrap gates application startup on a fully migrated schema.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/migration"
)

var (
	ErrBootstrapStateNotFound = errors.New("system bootstrap state not found")
	ErrBootstrapStateInactive = errors.New("system bootstrap state is not active")
	ErrSchemaVersionMismatch  = errors.New("schema version mismatch")
	ErrSchemaChecksumMismatch = errors.New("schema checksum mismatch")
)

const statusActive = "active"

var Module = fx.Module("bootstrap",
	fx.Provide(NewSchemaGate),
)

type SchemaGate interface {
	MustBeActive(ctx context.Context) error
}

type schemaGate struct {
	db               *gorm.DB
	expectedVersion  string
	expectedChecksum string
}

// NewSchemaGate captures the embedded migration fingerprint at construction
// so every later check compares the running binary against the database it
// actually talks to.
func NewSchemaGate(db *gorm.DB) (SchemaGate, error) {
	if db == nil {
		return nil, errors.New("schema gate requires database handle")
	}

	latest, err := migration.LatestVersion()
	if err != nil {
		return nil, err
	}
	checksum, err := migration.Checksum()
	if err != nil {
		return nil, err
	}
	return &schemaGate{
		db:               db,
		expectedVersion:  fmt.Sprintf("%d", latest),
		expectedChecksum: checksum,
	}, nil
}

type bootstrapState struct {
	Status        string  `gorm:"column:status"`
	SchemaVersion string  `gorm:"column:schema_version"`
	Checksum      *string `gorm:"column:checksum"`
	ActivatedAt   *time.Time
}

func (g *schemaGate) MustBeActive(ctx context.Context) error {
	var state bootstrapState
	result := g.db.WithContext(ctx).Table("system_bootstrap_state").
		Select("status, schema_version, checksum, activated_at").
		Where("id = TRUE").
		Limit(1).
		Scan(&state)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBootstrapStateNotFound
	}

	status := strings.ToLower(strings.TrimSpace(state.Status))
	if status != statusActive {
		return fmt.Errorf("%w: status=%s", ErrBootstrapStateInactive, status)
	}
	if strings.TrimSpace(state.SchemaVersion) != g.expectedVersion {
		return fmt.Errorf("%w: state=%s expected=%s", ErrSchemaVersionMismatch, state.SchemaVersion, g.expectedVersion)
	}
	if state.Checksum != nil && strings.TrimSpace(*state.Checksum) != "" {
		if *state.Checksum != g.expectedChecksum {
			return fmt.Errorf("%w: state=%s expected=%s", ErrSchemaChecksumMismatch, *state.Checksum, g.expectedChecksum)
		}
	}
	return nil
}

// EnforceSchemaGate fails startup when the schema is missing, behind, or
// migrated by a different build.
func EnforceSchemaGate(lc fx.Lifecycle, gate SchemaGate) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return gate.MustBeActive(ctx)
		},
	})
}
