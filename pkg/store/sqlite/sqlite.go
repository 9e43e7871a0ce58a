package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrCorrupt marks a store file that cannot be read as a database.
	ErrCorrupt = errors.New("store file is corrupt")
	// ErrInvalidLimit is returned for negative limits.
	ErrInvalidLimit = errors.New("limit must be >= 0")
)

// CorruptionError reports an unreadable store file. QuarantinedTo is set when
// the file was moved aside and a fresh store was created in its place.
type CorruptionError struct {
	Path          string
	QuarantinedTo string
	Err           error
}

func (e *CorruptionError) Error() string {
	if e.QuarantinedTo != "" {
		return fmt.Sprintf("sqlite: %s is corrupt (quarantined to %s): %v", e.Path, e.QuarantinedTo, e.Err)
	}
	return fmt.Sprintf("sqlite: %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// Config controls SQLite initialization.
type Config struct {
	Path string
	// ReadConns bounds the reader pool. Writes always use a single connection.
	ReadConns int
	// QuarantineCorrupt moves an unreadable file aside instead of refusing to open.
	QuarantineCorrupt bool
	Now               func() time.Time
	Logger            *slog.Logger
}

// Database wraps a single-writer handle and a reader pool on one file.
type Database struct {
	path        string
	writer      *sql.DB
	reader      *sql.DB
	now         func() time.Time
	quarantined *CorruptionError
}

// New opens the database, checks it is readable and ensures the schema.
func New(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	d, err := open(ctx, cfg)
	if err == nil {
		return d, nil
	}
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) || !cfg.QuarantineCorrupt {
		return nil, err
	}

	dest, qerr := quarantine(cfg.Path, cfg.Now())
	if qerr != nil {
		return nil, fmt.Errorf("sqlite: quarantine %s: %w", cfg.Path, qerr)
	}
	corrupt.QuarantinedTo = dest
	cfg.Logger.Warn("store file was corrupt, quarantined and recreated",
		"path", cfg.Path, "quarantined_to", dest, "err", corrupt.Err)

	d, err = open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.quarantined = corrupt
	return d, nil
}

func open(ctx context.Context, cfg Config) (*Database, error) {
	base := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", cfg.Path)

	writer, err := sql.Open("sqlite3", base+"&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxIdleTime(5 * time.Minute)

	d := &Database{path: cfg.Path, writer: writer, now: cfg.Now}

	if err := d.checkIntegrity(ctx); err != nil {
		writer.Close()
		return nil, err
	}
	if err := d.ensureSchema(ctx); err != nil {
		writer.Close()
		return nil, classify(cfg.Path, fmt.Errorf("sqlite: ensure schema: %w", err))
	}

	// Opened after the writer so the file is already in WAL mode.
	reader, err := sql.Open("sqlite3", base)
	if err != nil {
		writer.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(cfg.ReadConns)
	reader.SetConnMaxIdleTime(5 * time.Minute)
	d.reader = reader

	return d, nil
}

// checkIntegrity pings the file and runs quick_check. A file that is not a
// database, or fails the check, yields a CorruptionError.
func (d *Database) checkIntegrity(ctx context.Context) error {
	if err := d.writer.PingContext(ctx); err != nil {
		return classify(d.path, fmt.Errorf("sqlite: open %s: %w", d.path, err))
	}
	rows, err := d.writer.QueryContext(ctx, `PRAGMA quick_check;`)
	if err != nil {
		return classify(d.path, fmt.Errorf("sqlite: quick_check: %w", err))
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return classify(d.path, fmt.Errorf("sqlite: quick_check: %w", err))
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return classify(d.path, fmt.Errorf("sqlite: quick_check: %w", err))
	}
	if len(problems) > 0 {
		return &CorruptionError{Path: d.path, Err: errors.New(strings.Join(problems, "; "))}
	}
	return nil
}

// classify turns driver corruption codes into a CorruptionError and leaves
// every other failure as a plain storage error.
func classify(path string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrNotADB || se.Code == sqlite3.ErrCorrupt) {
		return &CorruptionError{Path: path, Err: err}
	}
	return err
}

func quarantine(path string, now time.Time) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			if err := os.Rename(path+suffix, dest+suffix); err != nil {
				return "", err
			}
		}
	}
	return dest, nil
}

func (d *Database) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            timestamp INTEGER NOT NULL,
            user TEXT NOT NULL,
            task TEXT NOT NULL,
            text TEXT NOT NULL,
            metadata TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);`,
		`CREATE TABLE IF NOT EXISTS facts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            timestamp INTEGER NOT NULL,
            subject TEXT NOT NULL,
            predicate TEXT NOT NULL,
            object TEXT NOT NULL,
            confidence REAL NOT NULL,
            source_episode INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_facts_spo ON facts(subject, predicate, object);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_timestamp ON facts(timestamp);`,
		`CREATE TABLE IF NOT EXISTS vectors (
            id INTEGER NOT NULL,
            kind TEXT NOT NULL,
            dim INTEGER NOT NULL,
            vector BLOB NOT NULL,
            PRIMARY KEY (id, kind)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_kind ON vectors(kind, dim);`,
	}

	for _, stmt := range stmts {
		if _, err := d.writer.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Writer returns the single-connection handle all mutations go through.
func (d *Database) Writer() *sql.DB {
	return d.writer
}

// Reader returns the pooled handle for queries.
func (d *Database) Reader() *sql.DB {
	return d.reader
}

// Quarantined reports the corruption that was recovered from on open, if any.
func (d *Database) Quarantined() *CorruptionError {
	return d.quarantined
}

// WithTx runs fn in a write transaction on the single writer connection.
func (d *Database) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases both handles.
func (d *Database) Close() error {
	var rerr error
	if d.reader != nil {
		rerr = d.reader.Close()
	}
	return errors.Join(rerr, d.writer.Close())
}

// Placeholders returns n comma-separated "?" markers for an IN list.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, '?')
		if i != n-1 {
			out = append(out, ',')
		}
	}
	return string(out)
}
