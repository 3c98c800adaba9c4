package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// LatestVersion is the highest version among the embedded up migrations. The
// schema gate compares it against what the database was migrated to.
func LatestVersion() (uint, error) {
	names, err := upMigrationNames()
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, errors.New("no embedded migrations")
	}

	var head uint
	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return 0, err
		}
		if version > head {
			head = version
		}
	}
	return head, nil
}

// Checksum fingerprints the embedded up migrations, name and content, in a
// stable order. Two binaries built from the same migrations agree; an edited
// migration changes it.
func Checksum() (string, error) {
	names, err := upMigrationNames()
	if err != nil {
		return "", err
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		content, err := embeddedMigrations.ReadFile(migrationsDir + "/" + name)
		if err != nil {
			return "", fmt.Errorf("read migration %s: %w", name, err)
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func upMigrationNames() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func migrationVersion(name string) (uint, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s has no version prefix", name)
	}
	version, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil || version == 0 {
		return 0, fmt.Errorf("migration %s has an invalid version prefix", name)
	}
	return uint(version), nil
}
