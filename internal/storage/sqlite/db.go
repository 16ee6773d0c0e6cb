// Package sqlite persists the catalog and invocation history in a single
// SQLite file via modernc.org/sqlite, with goose-managed migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements storage.Store on SQLite. Writes go through a single
// connection so catalog mutations and recorder batches never contend on the
// writer lock; reads come from a pool sized to the host.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens dsn (a file path, or ":memory:"), applies pending migrations and
// returns the store.
func New(dsn string) (*Store, error) {
	// An in-memory database needs shared cache, otherwise each pool
	// connection would get its own empty database.
	src := "file:" + dsn + "?" + pragmas
	if dsn == ":memory:" {
		src = "file::memory:?mode=memory&cache=shared&" + pragmas
	}

	write, err := sql.Open("sqlite", src)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", src)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// migrate applies the embedded migrations. fs.Sub strips the "migrations/"
// prefix so goose sees the files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping reports whether the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
