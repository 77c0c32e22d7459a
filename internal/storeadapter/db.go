// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storeadapter

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// batchSize is the maximum number of store paths returned by a single call
// to [DB.PathsRegisteredBetween].
const batchSize = 100

// DB reads the store's ValidPaths metadata database: a SQLite database
// maintained by the store's own writer, which this package only ever
// observes read-only.
type DB struct {
	// Path is the filesystem path to the store's SQLite database file.
	Path string
	// StorePrefix is the store directory prefix every returned path is
	// required to start with (e.g. "/zb/store").
	StorePrefix string
}

// PathsRegisteredBetween returns up to 100 store paths whose registration
// timestamp is >= lo, in ascending order of registration time, along with
// newLo = max(timestamp)+1 across the returned rows.
//
// If no such paths exist, it returns (nil, lo, nil).
//
// The database connection is opened read-only with the immutable hint
// (tolerating that this is a benign lie about a WAL-mode database that a
// separate writer process may still be mutating) and closed before this
// method returns: opened, queried, and closed fresh for each batch.
func (db *DB) PathsRegisteredBetween(ctx context.Context, lo int64) (paths []string, newLo int64, err error) {
	uri := fmt.Sprintf("file:%s?immutable=1", db.Path)
	conn, err := sqlite.OpenConn(uri, sqlite.OpenReadOnly, sqlite.OpenURI)
	if err != nil {
		return nil, lo, fmt.Errorf("open store database: %w", err)
	}
	defer conn.Close()

	var maxTime int64
	err = sqlitex.ExecuteTransient(conn, `
		SELECT path, registrationTime
		FROM ValidPaths
		WHERE registrationTime >= :lo
		ORDER BY registrationTime ASC
		LIMIT `+fmt.Sprint(batchSize)+`;
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":lo": lo},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			path := stmt.GetText("path")
			t := stmt.GetInt64("registrationTime")
			if !isWellFormedStorePath(path, db.StorePrefix) {
				return fmt.Errorf("corrupt row: path %q does not match store prefix %q", path, db.StorePrefix)
			}
			paths = append(paths, path)
			if t > maxTime {
				maxTime = t
			}
			return nil
		},
	})
	if err != nil {
		return nil, lo, fmt.Errorf("query valid paths: %w", err)
	}

	if (maxTime == 0) != (len(paths) == 0) {
		return nil, lo, fmt.Errorf("query valid paths: inconsistent result: max time %d, %d paths", maxTime, len(paths))
	}
	if len(paths) == 0 {
		return nil, lo, nil
	}
	return paths, maxTime + 1, nil
}

// isWellFormedStorePath reports whether path sits directly one path
// component below prefix (e.g. "/store/hash-name" under "/store"), guarding
// against reading corrupt rows from a concurrently-written database.
func isWellFormedStorePath(path, prefix string) bool {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || !strings.HasPrefix(rest, "/") {
		return false
	}
	return !strings.Contains(rest[1:], "/")
}
