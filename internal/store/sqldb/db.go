// Package sqldb implements the stores over database/sql, serving both
// Postgres (managed mode, pgx stdlib driver) and SQLite (standalone mode,
// modernc driver) from one SQL codebase. Queries are written with ?
// placeholders and rebound for Postgres.
package sqldb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/praxislabs/conductor/internal/store"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// DB wraps database/sql with the driver it was opened with.
type DB struct {
	*sql.DB
	driver string
}

// OpenPostgres connects to Postgres (managed mode).
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	return &DB{DB: db, driver: DriverPostgres}, nil
}

// OpenSQLite opens the standalone database file, creating its directory.
func OpenSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open(DriverSQLite, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)
	return &DB{DB: db, driver: DriverSQLite}, nil
}

// Driver returns the underlying driver name.
func (d *DB) Driver() string { return d.driver }

// rebind converts ? placeholders to $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// NewStores builds the full store container over db.
func NewStores(db *DB) *store.Stores {
	return &store.Stores{
		Conversations: &conversationStore{db: db},
		Messages:      &messageStore{db: db},
		Todos:         &todoStore{db: db},
		Tasks:         &taskStore{db: db},
		Traces:        &traceStore{db: db},
		Signals:       &signalStore{db: db},
	}
}
