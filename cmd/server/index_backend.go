package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"crawlparty.io/internal/persistence/indexdb"
)

// openRuntimeIndex returns nil when indexing is off.
func openRuntimeIndex(dataDir string, disableDB bool, logger *log.Logger) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CRAWL_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "sessions.sqlite")
		return indexdb.OpenSQLite(dbPath, indexdb.Options{Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported CRAWL_INDEX_BACKEND: %s", backend)
	}
}
