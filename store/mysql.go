package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const mysqlCreateTableQuery = `
	CREATE TABLE IF NOT EXISTS attributes (
		uri VARCHAR(170) NOT NULL,
		name VARCHAR(170) NOT NULL,
		origin VARCHAR(170) NOT NULL,
		created BIGINT NOT NULL,
		expires BIGINT NOT NULL DEFAULT 0,
		data LONGBLOB,
		PRIMARY KEY (uri, name, origin, created)
	)`

// MySQLConfig identifies the database the worker pool connects to.
type MySQLConfig struct {
	DBName   string
	User     string
	Password string
	// Addr is host:port; empty means localhost over the default port.
	Addr string
}

// NewMySQL returns a Store backed by a MySQL database. Each pool worker
// opens its own connection, sets the connection collation to match the
// persisted encoding, creates the database and table if absent, and selects
// the database.
func NewMySQL(cfg MySQLConfig, log *zap.SugaredLogger) (Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	if cfg.Addr != "" {
		dsn.Net = "tcp"
		dsn.Addr = cfg.Addr
	}
	// The database is selected per connection after it is created.
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql configuration: %w", err)
	}
	db := sql.OpenDB(connector)
	// Workers own their connections; the shared handle only dispenses them.
	db.SetMaxIdleConns(0)

	pool := NewPool(func() (*sql.Conn, error) {
		ctx := context.Background()
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		setup := []string{
			"SET collation_connection = utf16_unicode_ci",
			"CREATE DATABASE IF NOT EXISTS " + cfg.DBName +
				" CHARACTER SET utf16 COLLATE utf16_unicode_ci",
			"USE " + cfg.DBName,
			mysqlCreateTableQuery,
		}
		for _, stmt := range setup {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				conn.Close()
				return nil, fmt.Errorf("mysql worker setup failed: %w", err)
			}
		}
		return conn, nil
	}, log)

	log.Infow("MySQL world model store ready", "database", cfg.DBName)
	return &mysqlStore{
		sqlStore: sqlStore{
			pool: pool,
			log:  log,
			insertQuery: `INSERT IGNORE INTO attributes
				(uri, name, origin, created, expires, data)
				VALUES (?, ?, ?, ?, ?, ?)`,
		},
		db: db,
	}, nil
}

type mysqlStore struct {
	sqlStore
	db *sql.DB
}

func (s *mysqlStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
