// Package dbsrc implements a classloader.ClassSource backed by
// database/sql: a fourth source alongside the directory, zip, and
// in-memory sources in internal/classloader, for classes published as
// rows in a SQL table rather than files on disk.
package dbsrc

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"jvmgo/internal/vmerr"
)

// Source is a classloader.ClassSource; its TryLoad method satisfies that
// interface without internal/classsource/dbsrc importing
// internal/classloader, avoiding a dependency edge a ClassSource
// implementation doesn't otherwise need.
type Source struct {
	db     *sql.DB
	driver string
}

// table is the one schema this source understands: binary_name is the
// class's fully-qualified binary name (the same key ClassSource.TryLoad
// receives), bytes its raw .class contents.
const table = "jvm_classes"

// Open parses dsn's scheme to pick a driver (postgres://, mysql://,
// sqlserver://, sqlite://) the way the teacher's DBManager.Connect maps a
// dbType string to a driver name, opens the connection, and ensures the
// backing table exists.
func Open(dsn string) (*Source, error) {
	return open(dsn, false)
}

// OpenPureGoSQLite is Open, but a sqlite:// DSN is served by
// modernc.org/sqlite instead of github.com/mattn/go-sqlite3 — the pure-Go
// fallback driver for hosts where cgo isn't available.
func OpenPureGoSQLite(dsn string) (*Source, error) {
	return open(dsn, true)
}

func open(dsn string, pureGoSQLite bool) (*Source, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, vmerr.Newf(vmerr.ClassNotFound, "dbsrc: DSN missing a scheme: %q", dsn)
	}

	driver, body, err := driverAndBody(scheme, dsn, rest, pureGoSQLite)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, body)
	if err != nil {
		return nil, vmerr.Wrap(err, vmerr.ClassNotFound, fmt.Sprintf("dbsrc: sql.Open(%q)", driver))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: ping failed")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	s := &Source{db: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// driverAndBody maps dsn's scheme to a registered database/sql driver
// name and the driver-specific connection string, since each of these
// four drivers expects a different DSN shape: lib/pq and go-mssqldb take
// the URL as-is (their parsers understand query parameters and the
// `host(port)`-free form), go-sql-driver/mysql wants no scheme prefix at
// all (it expects `user:pass@tcp(host:port)/dbname`, whose parentheses
// net/url would reject as a malformed host), and the sqlite drivers want
// a bare file path (or ":memory:").
func driverAndBody(scheme, raw, rest string, pureGoSQLite bool) (driver, body string, err error) {
	switch scheme {
	case "postgres", "postgresql":
		return "postgres", raw, nil
	case "sqlserver":
		return "sqlserver", raw, nil
	case "mysql":
		return "mysql", rest, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			rest = ":memory:"
		}
		if pureGoSQLite {
			return "sqlite", rest, nil
		}
		return "sqlite3", rest, nil
	default:
		return "", "", vmerr.Newf(vmerr.ClassNotFound, "dbsrc: unsupported DSN scheme %q", scheme)
	}
}

func (s *Source) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		binary_name VARCHAR(512) PRIMARY KEY,
		bytes       BLOB NOT NULL
	)`)
	if err != nil {
		return vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: create table")
	}
	return nil
}

// placeholder returns the n-th bound-parameter token in the dialect s's
// driver expects.
func (s *Source) placeholder(n int) string {
	switch s.driver {
	case "postgres":
		return fmt.Sprintf("$%d", n)
	case "sqlserver":
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

// TryLoad implements classloader.ClassSource: a single indexed SELECT by
// primary key, (nil, nil) on a miss so the loader falls through to its
// next source.
func (s *Source) TryLoad(binaryName string) ([]byte, error) {
	query := "SELECT bytes FROM " + table + " WHERE binary_name = " + s.placeholder(1)
	var b []byte
	err := s.db.QueryRow(query, binaryName).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: query failed for "+binaryName)
	}
	return b, nil
}

// Put upserts one class's bytes, for tooling/tests that publish classes
// into the table rather than reading them back out. Implemented as
// delete-then-insert inside a transaction rather than a dialect-specific
// upsert (ON CONFLICT / ON DUPLICATE KEY / MERGE all differ), since this
// path only ever serves single-writer tooling, not the hot class-loading
// path.
func (s *Source) Put(binaryName string, bytes []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: begin")
	}
	del := "DELETE FROM " + table + " WHERE binary_name = " + s.placeholder(1)
	if _, err := tx.Exec(del, binaryName); err != nil {
		tx.Rollback()
		return vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: delete")
	}
	ins := "INSERT INTO " + table + " (binary_name, bytes) VALUES (" + s.placeholder(1) + ", " + s.placeholder(2) + ")"
	if _, err := tx.Exec(ins, binaryName, bytes); err != nil {
		tx.Rollback()
		return vmerr.Wrap(err, vmerr.ClassNotFound, "dbsrc: insert")
	}
	return tx.Commit()
}

func (s *Source) Close() error { return s.db.Close() }
