// Package db opens SQLite connections for the world model. The registered
// driver exposes a REGEXP function so that historic queries can use the same
// POSIX patterns the in-memory engine uses.
package db

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DriverName is the database/sql driver registered by this package.
const DriverName = "sqlite3_worldmodel"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Full-string POSIX matching, the same semantics the engine
			// applies to in-memory state.
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

// regexpCache holds compiled patterns so a query matching many rows
// compiles each pattern once.
var regexpCache sync.Map

func regexpMatch(pattern, s string) (bool, error) {
	cached, ok := regexpCache.Load(pattern)
	if !ok {
		re, err := regexp.CompilePOSIX(pattern)
		if err != nil {
			return false, err
		}
		cached, _ = regexpCache.LoadOrStore(pattern, re)
	}
	re := cached.(*regexp.Regexp)
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s), nil
}

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
		)
	}

	return db, nil
}
