package manager

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the operational audit trail of remote acquire/release events
// and module state-transition history, kept in a small sqlite database.
// Nothing it records is read back to make a live decision: the manager's
// in-memory table and refcounts are the only source of truth for the
// invariants a transition must honor. The journal is write-through,
// after the fact, purely for operators and postmortems.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if necessary) the sqlite database at path and
// applies any schema migrations that have not yet run.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("manager: opening journal database: %w", err)
	}

	driver, err := newSqliteMigrateDriver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manager: loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manager: constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("manager: applying schema migrations: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordEvent appends one state-transition history row.
func (j *Journal) RecordEvent(ctx context.Context, moduleName, event, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO module_events (module_name, event, detail) VALUES (?, ?, ?)`,
		moduleName, event, detail)
	return err
}

// RecordRemoteSession appends one remote acquire/release audit row.
func (j *Journal) RecordRemoteSession(ctx context.Context, peer, moduleName, action string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO remote_sessions (peer, module_name, action) VALUES (?, ?, ?)`,
		peer, moduleName, action)
	return err
}

// sqliteMigrateDriver adapts a modernc.org/sqlite *sql.DB into the
// golang-migrate database.Driver interface. golang-migrate ships a
// sqlite3 driver of its own, but it wraps the cgo mattn/go-sqlite3 binding;
// this process already depends on the pure-Go modernc driver elsewhere, so
// migrations run against the same *sql.DB handle the rest of the journal
// uses instead of opening a second, cgo-backed connection to the same
// file.
type sqliteMigrateDriver struct {
	db *sql.DB
}

func newSqliteMigrateDriver(db *sql.DB) (database.Driver, error) {
	d := &sqliteMigrateDriver{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		return nil, fmt.Errorf("manager: creating schema_migrations table: %w", err)
	}
	return d, nil
}

func (d *sqliteMigrateDriver) Open(url string) (database.Driver, error) {
	return nil, errors.New("manager: sqliteMigrateDriver is instance-bound; use migrate.NewWithInstance")
}

// Close is a no-op: the *sql.DB's lifetime belongs to the Journal, not to
// the migrator that borrows it once at startup.
func (d *sqliteMigrateDriver) Close() error { return nil }

// Lock/Unlock are no-ops: migrations run once, synchronously, from a single
// process during Journal construction, before any module manager mutex is
// ever taken.
func (d *sqliteMigrateDriver) Lock() error   { return nil }
func (d *sqliteMigrateDriver) Unlock() error { return nil }

func (d *sqliteMigrateDriver) Run(migration io.Reader) error {
	stmt, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(string(stmt))
	return err
}

func (d *sqliteMigrateDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteMigrateDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *sqliteMigrateDriver) Drop() error {
	_, err := d.db.Exec(`DROP TABLE IF EXISTS module_events; DROP TABLE IF EXISTS remote_sessions; DROP TABLE IF EXISTS schema_migrations`)
	return err
}
