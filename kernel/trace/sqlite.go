package trace

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteRecorder batches events and writes them to a SQLite database.
type SQLiteRecorder struct {
	mu        sync.Mutex
	db        *sql.DB
	statement *sql.Stmt
	path      string
	pending   []Event
	batchSize int
}

// NewSQLiteRecorder creates a database at path. When path is empty a unique
// name is generated. Buffered events are flushed when the process exits
// through atexit.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	if path == "" {
		path = "kernel64_trace_" + xid.New().String() + ".sqlite3"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	r := &SQLiteRecorder{db: db, path: path, batchSize: 1000}
	if err := r.createTable(); err != nil {
		db.Close()
		return nil, err
	}

	atexit.Register(func() { r.Flush() })

	return r, nil
}

func (r *SQLiteRecorder) createTable() error {
	_, err := r.db.Exec(`
		CREATE TABLE trace (
			id      VARCHAR(20) NOT NULL PRIMARY KEY,
			kind    VARCHAR(16) NOT NULL,
			what    TEXT        NOT NULL,
			address INTEGER     NOT NULL,
			length  INTEGER     NOT NULL,
			detail  TEXT,
			time    TIMESTAMP   NOT NULL
		);
		CREATE INDEX trace_kind ON trace (kind);
	`)
	if err != nil {
		return err
	}

	r.statement, err = r.db.Prepare(`INSERT INTO trace VALUES (?, ?, ?, ?, ?, ?, ?)`)
	return err
}

// Path returns the database file name.
func (r *SQLiteRecorder) Path() string {
	return r.path
}

// Record implements Recorder.
func (r *SQLiteRecorder) Record(e Event) {
	r.mu.Lock()
	r.pending = append(r.pending, e)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.Flush()
	}
}

// Flush writes all buffered events in a single transaction.
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 || r.db == nil {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	stmt := tx.Stmt(r.statement)
	for _, e := range r.pending {
		// SQLite integers are signed; addresses are stored bit for bit.
		_, err := stmt.Exec(e.ID, string(e.Kind), e.What, int64(e.Address), int64(e.Length), e.Detail, e.Time)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trace event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.pending = nil
	return nil
}

// Close flushes pending events and closes the database.
func (r *SQLiteRecorder) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	r.statement.Close()
	err := r.db.Close()
	r.db = nil
	return err
}

// Count returns the number of stored events of kind, or of every kind when
// kind is empty. Pending events are flushed first.
func (r *SQLiteRecorder) Count(kind Kind) (int, error) {
	if err := r.Flush(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		n   int
		row *sql.Row
	)
	if kind == "" {
		row = r.db.QueryRow(`SELECT COUNT(*) FROM trace`)
	} else {
		row = r.db.QueryRow(`SELECT COUNT(*) FROM trace WHERE kind = ?`, string(kind))
	}
	err := row.Scan(&n)
	return n, err
}
