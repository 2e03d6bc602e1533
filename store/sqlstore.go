package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/wm"
)

// Query constants. The insert verb differs per backend (INSERT IGNORE vs
// INSERT OR IGNORE); everything else is shared SQL.
const (
	attributeUpdateExpirationQuery = `
		UPDATE attributes SET expires = ?
		WHERE uri = ? AND name = ? AND origin = ? AND created = ? AND expires = 0`

	attributeExpireURIQuery = `
		UPDATE attributes SET expires = ?
		WHERE uri = ? AND expires = 0`

	attributeDeleteURIQuery = `
		DELETE FROM attributes WHERE uri = ?`

	attributeDeleteQuery = `
		DELETE FROM attributes WHERE uri = ? AND name = ? AND origin = ?`

	attributeFetchCurrentQuery = `
		SELECT uri, name, origin, created, expires, data FROM attributes
		WHERE uri REGEXP ? AND name REGEXP ? AND origin REGEXP ? AND expires = 0`

	attributeFetchSnapshotQuery = `
		SELECT uri, name, origin, created, expires, data FROM attributes
		WHERE uri REGEXP ? AND name REGEXP ? AND origin REGEXP ?
		AND created <= ? AND (expires = 0 OR expires > ?)`

	attributeFetchRangeQuery = `
		SELECT uri, name, origin, created, expires, data FROM attributes
		WHERE uri REGEXP ? AND name REGEXP ? AND origin REGEXP ?
		AND created >= ? AND created <= ?
		ORDER BY uri, created ASC`
)

// sqlStore implements Store over a worker pool and a backend-specific
// insert query.
type sqlStore struct {
	pool        *Pool
	log         *zap.SugaredLogger
	insertQuery string
}

// anchor rewrites a pattern so the backend regex predicate only accepts
// full-string matches, the same semantics the in-memory engine applies.
func anchor(pattern string) string {
	return "^(" + pattern + ")$"
}

func (s *sqlStore) StoreAttributes(uri wm.URI, attrs []wm.Attribute) []wm.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	result := s.pool.Submit(func(conn *sql.Conn) wm.WorldState {
		ctx := context.Background()
		stmt, err := conn.PrepareContext(ctx, s.insertQuery)
		if err != nil {
			s.log.Errorw("Failed to prepare attribute insert", "error", err)
			return nil
		}
		defer stmt.Close()
		stored := wm.WorldState{}
		for _, a := range attrs {
			res, err := stmt.ExecContext(ctx, uri, a.Name, a.Origin, a.Creation, a.Expiration, a.Data)
			if err != nil {
				s.log.Errorw("Failed to store attribute",
					"uri", uri, "attribute", a.Name, "error", err)
				return nil
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				stored[uri] = append(stored[uri], a)
			}
		}
		return stored
	})
	return result[uri]
}

func (s *sqlStore) UpdateExpiration(uri wm.URI, attrs []wm.Attribute) []wm.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	result := s.pool.Submit(func(conn *sql.Conn) wm.WorldState {
		ctx := context.Background()
		updated := wm.WorldState{}
		for _, a := range attrs {
			var (
				res sql.Result
				err error
			)
			if a.Name == wm.CreationAttribute {
				// Expiring the creation attribute expires the whole URI.
				res, err = conn.ExecContext(ctx, attributeExpireURIQuery, a.Expiration, uri)
			} else {
				res, err = conn.ExecContext(ctx, attributeUpdateExpirationQuery,
					a.Expiration, uri, a.Name, a.Origin, a.Creation)
			}
			if err != nil {
				s.log.Errorw("Failed to update expiration",
					"uri", uri, "attribute", a.Name, "error", err)
				return nil
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				updated[uri] = append(updated[uri], a)
			}
		}
		return updated
	})
	return result[uri]
}

func (s *sqlStore) DeleteURI(uri wm.URI) error {
	var taskErr error
	s.pool.Submit(func(conn *sql.Conn) wm.WorldState {
		if _, err := conn.ExecContext(context.Background(), attributeDeleteURIQuery, uri); err != nil {
			s.log.Errorw("Failed to delete URI", "uri", uri, "error", err)
			taskErr = err
			return nil
		}
		return wm.WorldState{}
	})
	return taskErr
}

func (s *sqlStore) DeleteAttributes(uri wm.URI, attrs []wm.Attribute) []wm.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	result := s.pool.Submit(func(conn *sql.Conn) wm.WorldState {
		ctx := context.Background()
		deleted := wm.WorldState{}
		for _, a := range attrs {
			res, err := conn.ExecContext(ctx, attributeDeleteQuery, uri, a.Name, a.Origin)
			if err != nil {
				s.log.Errorw("Failed to delete attribute",
					"uri", uri, "attribute", a.Name, "error", err)
				return nil
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				deleted[uri] = append(deleted[uri], a)
			}
		}
		return deleted
	})
	return result[uri]
}

func (s *sqlStore) FetchCurrent(uriPattern, attrPattern, originPattern string) (wm.WorldState, error) {
	return s.fetch(attributeFetchCurrentQuery,
		anchor(uriPattern), anchor(attrPattern), anchor(originPattern)), nil
}

func (s *sqlStore) FetchSnapshotAt(uriPattern, attrPattern, originPattern string, t wm.Time) (wm.WorldState, error) {
	return s.fetch(attributeFetchSnapshotQuery,
		anchor(uriPattern), anchor(attrPattern), anchor(originPattern), t, t), nil
}

func (s *sqlStore) FetchRange(uriPattern, attrPattern, originPattern string, t0, t1 wm.Time) (wm.WorldState, error) {
	return s.fetch(attributeFetchRangeQuery,
		anchor(uriPattern), anchor(attrPattern), anchor(originPattern), t0, t1), nil
}

func (s *sqlStore) fetch(query string, args ...interface{}) wm.WorldState {
	return s.pool.Submit(func(conn *sql.Conn) wm.WorldState {
		ctx := context.Background()
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			s.log.Errorw("Failed to fetch world data", "error", err)
			return nil
		}
		defer rows.Close()
		ws := wm.WorldState{}
		for rows.Next() {
			var (
				uri  string
				attr wm.Attribute
			)
			if err := rows.Scan(&uri, &attr.Name, &attr.Origin, &attr.Creation, &attr.Expiration, &attr.Data); err != nil {
				s.log.Errorw("Failed to scan world data row", "error", err)
				return nil
			}
			ws[uri] = append(ws[uri], attr)
		}
		if err := rows.Err(); err != nil {
			s.log.Errorw("Failed reading world data rows", "error", err)
			return nil
		}
		return ws
	})
}

func (s *sqlStore) Close() error {
	return s.pool.Close()
}
