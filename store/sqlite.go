package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/db"
)

const sqliteCreateTableQuery = `
	CREATE TABLE IF NOT EXISTS attributes (
		uri TEXT NOT NULL,
		name TEXT NOT NULL,
		origin TEXT NOT NULL,
		created INTEGER NOT NULL,
		expires INTEGER NOT NULL DEFAULT 0,
		data BLOB,
		PRIMARY KEY (uri, name, origin, created)
	)`

// NewSQLite returns a Store backed by a SQLite database file. The driver
// registered by the db package provides the REGEXP predicate the fetch
// queries rely on.
func NewSQLite(path string, log *zap.SugaredLogger) (Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	handle, err := db.Open(path, log)
	if err != nil {
		return nil, err
	}
	if _, err := handle.Exec(sqliteCreateTableQuery); err != nil {
		handle.Close()
		return nil, err
	}

	pool := NewPool(func() (*sql.Conn, error) {
		return handle.Conn(context.Background())
	}, log)

	log.Infow("SQLite world model store ready", "path", path)
	return &sqliteStore{
		sqlStore: sqlStore{
			pool: pool,
			log:  log,
			insertQuery: `INSERT OR IGNORE INTO attributes
				(uri, name, origin, created, expires, data)
				VALUES (?, ?, ?, ?, ?, ?)`,
		},
		db: handle,
	}, nil
}

type sqliteStore struct {
	sqlStore
	db *sql.DB
}

func (s *sqliteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
