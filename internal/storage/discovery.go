package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDatabasePath is used when nothing else is configured.
const DefaultDatabasePath = ".sreagent/sreagent.db"

// DatabasePathEnv overrides database discovery.
const DatabasePathEnv = "SREAGENT_DB_PATH"

// DiscoverDatabase returns the database path to use.
//
// SREAGENT_DB_PATH wins when set. Otherwise the first .sreagent/*.db in the
// current directory is used, falling back to the absolute form of
// DefaultDatabasePath so a fresh install creates its database in place.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv(DatabasePathEnv); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	if dbPath, ok := discoverDatabaseInDir(dir); ok {
		return dbPath, nil
	}
	return filepath.Join(dir, DefaultDatabasePath), nil
}

// discoverDatabaseInDir checks for .sreagent/*.db in the specified directory
// only. It does not walk up the directory tree.
func discoverDatabaseInDir(dir string) (string, bool) {
	dataDir := filepath.Join(dir, filepath.Dir(DefaultDatabasePath))

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
			absPath, err := filepath.Abs(filepath.Join(dataDir, entry.Name()))
			if err != nil {
				return "", false
			}
			return absPath, true
		}
	}
	return "", false
}
