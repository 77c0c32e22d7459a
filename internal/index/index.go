// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package index

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Cache is the persistent build-id index. The zero value is not usable; use
// [Open]. A Cache is safe for concurrent use: reads run on any number of
// pooled connections while writes are expected to be serialized by the
// caller (the pipeline's writer task).
type Cache struct {
	pool *sqlitemigration.Pool
}

// Open opens or creates the cache database at dbPath, migrating its schema
// if necessary. Callers are responsible for calling [Cache.Close] on the
// returned Cache.
func Open(dbPath string) *Cache {
	return &Cache{
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating index...")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "Index ready")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Index migration: %v", err)
			},
		}),
	}
}

// Close releases resources associated with the cache.
func (c *Cache) Close() error {
	return c.pool.Close()
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return nil
}

// Register upserts entry: for each non-empty field, the stored row's
// corresponding field is overwritten; empty fields never overwrite an
// existing non-empty value (last-non-null-wins per field).
func (c *Cache) Register(ctx context.Context, entry Entry) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("register %s: %w", entry.BuildID, err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "register.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":buildid":    entry.BuildID,
			":executable": nullableText(entry.Executable),
			":debuginfo":  nullableText(entry.Debuginfo),
			":source":     nullableText(entry.Source),
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", entry.BuildID, err)
	}
	return nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fields holds the looked-up row for a build-id, regardless of whether the
// caller wants all three paths or just one.
type fields struct {
	executable, debuginfo, source string
	found                         bool
}

func (c *Cache) lookup(ctx context.Context, buildID string) (fields, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fields{}, err
	}
	defer c.pool.Put(conn)

	var f fields
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "get_field.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":buildid": buildID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			f.found = true
			f.executable = stmt.GetText("executable")
			f.debuginfo = stmt.GetText("debuginfo")
			f.source = stmt.GetText("source")
			return nil
		},
	})
	if err != nil {
		return fields{}, err
	}
	return f, nil
}

// GetExecutable returns the stored executable path for buildID, or
// ("", false, nil) if unknown.
func (c *Cache) GetExecutable(ctx context.Context, buildID string) (string, bool, error) {
	f, err := c.lookup(ctx, buildID)
	if err != nil {
		return "", false, fmt.Errorf("get executable %s: %w", buildID, err)
	}
	return f.executable, f.found && f.executable != "", nil
}

// GetDebuginfo returns the stored debug-info path for buildID, or
// ("", false, nil) if unknown.
func (c *Cache) GetDebuginfo(ctx context.Context, buildID string) (string, bool, error) {
	f, err := c.lookup(ctx, buildID)
	if err != nil {
		return "", false, fmt.Errorf("get debuginfo %s: %w", buildID, err)
	}
	return f.debuginfo, f.found && f.debuginfo != "", nil
}

// GetSource returns the stored source directory for buildID, or
// ("", false, nil) if unknown.
func (c *Cache) GetSource(ctx context.Context, buildID string) (string, bool, error) {
	f, err := c.lookup(ctx, buildID)
	if err != nil {
		return "", false, fmt.Errorf("get source %s: %w", buildID, err)
	}
	return f.source, f.found && f.source != "", nil
}

// GetRegistrationTimestamp returns the persisted watermark, or 0 if unset.
func (c *Cache) GetRegistrationTimestamp(ctx context.Context) (int64, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("get registration timestamp: %w", err)
	}
	defer c.pool.Put(conn)

	var t int64
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "get_watermark.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t = stmt.GetInt64("value")
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get registration timestamp: %w", err)
	}
	return t, nil
}

// SetRegistrationTimestamp overwrites the persisted watermark. Safe to call
// repeatedly.
func (c *Cache) SetRegistrationTimestamp(ctx context.Context, t int64) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("set registration timestamp: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "set_watermark.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":value": t},
	})
	if err != nil {
		return fmt.Errorf("set registration timestamp: %w", err)
	}
	return nil
}

// Stats is a snapshot of cache contents. The HTTP /metrics handler does not
// report it.
type Stats struct {
	Entries int64
}

// Stats reports the current row counts in the cache.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}
	defer c.pool.Put(conn)

	var s Stats
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "stats.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			s.Entries = stmt.GetInt64("n")
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}
	return s, nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
