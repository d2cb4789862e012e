// Package store is the daemon's embedded bookkeeping database: task rows,
// issue and PR snapshots, agent runs with their gate results and metrics,
// the idempotency ledger, and per-repo reconciler cursors.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// EnvStateDB overrides the database path when set.
const EnvStateDB = "RALPHD_STATE_DB"

// Store wraps the sqlite connection. All mutations go through narrow
// operations; each is a single transaction unless explicitly batched.
type Store struct {
	conn *sql.DB
}

// Capability describes what the running binary may do with a database file
// written at a given schema version.
type Capability string

const (
	CapReadWrite         Capability = "readable_writable"
	CapReadOnlyNewer     Capability = "readable_readonly_forward_newer"
	CapUnreadableForward Capability = "unreadable_forward_incompatible"
)

// EvaluateCapability decides how a database at currentSchema may be used by
// a binary that can read [minReadable, maxReadable] and write up to
// maxWritable.
func EvaluateCapability(currentSchema, minReadable, maxReadable, maxWritable int) Capability {
	if currentSchema < minReadable || currentSchema > maxReadable {
		return CapUnreadableForward
	}
	if currentSchema > maxWritable {
		return CapReadOnlyNewer
	}
	return CapReadWrite
}

// Path resolves the database file location: the environment override when
// set, otherwise state.sqlite under the control root.
func Path(controlRoot string) string {
	if env := os.Getenv(EnvStateDB); env != "" {
		return env
	}
	return filepath.Join(controlRoot, "state.sqlite")
}

// Open opens (and if needed creates) the database at path, then migrates it
// to the current schema version. The daemon refuses to run against a
// database it cannot write; use Probe first for diagnostics.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Probe reports the schema version and capability of the database at path
// without migrating it. A missing file reports version 0 and read-write
// capability (it would be created at the current version).
func Probe(path string) (version int, capability Capability, err error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return 0, CapReadWrite, nil
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, CapUnreadableForward, fmt.Errorf("opening database: %w", err)
	}
	defer conn.Close()

	version, err = readSchemaVersion(conn)
	if err != nil {
		return 0, CapUnreadableForward, err
	}
	return version, EvaluateCapability(version, minReadableSchema, maxReadableSchema, maxWritableSchema), nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}
