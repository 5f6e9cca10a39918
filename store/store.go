// Package store keeps a log of compiled loops and bridges in SQLite: the
// optimized operations and, per guard, the resume blob in its wire
// format. Large texts and blobs are lz4-compressed.
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/resume"
)

var log = commonlog.GetLogger("rjit.store")

var (
	// ErrNotFound indicates the requested entry doesn't exist.
	ErrNotFound = errors.New("store: entry not found")
	// ErrForeignSession is returned when decoding a resume blob written
	// by another process; its descriptor tables are gone.
	ErrForeignSession = errors.New("store: blob belongs to another session")
)

const schema = `
CREATE TABLE IF NOT EXISTS compiled (
	id         TEXT PRIMARY KEY,
	session    TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	loop_id    TEXT NOT NULL,
	guard      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	input_ops  INTEGER NOT NULL,
	output_ops INTEGER NOT NULL,
	retrace    INTEGER NOT NULL DEFAULT 0,
	ops        BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS guards (
	compiled_id TEXT NOT NULL REFERENCES compiled(id),
	position    INTEGER NOT NULL,
	guard       TEXT NOT NULL,
	opname      TEXT NOT NULL,
	resume_text TEXT NOT NULL,
	resume_blob BLOB NOT NULL,
	PRIMARY KEY (compiled_id, position)
);
CREATE INDEX IF NOT EXISTS compiled_loop ON compiled(loop_id);
`

// Kind distinguishes loops from bridges.
type Kind string

const (
	KindLoop   Kind = "loop"
	KindBridge Kind = "bridge"
)

// Entry is one logged compilation.
type Entry struct {
	ID      uuid.UUID
	Session uuid.UUID
	Name    string
	Kind    Kind
	// LoopID is the loop's own ID for loops and the parent's for bridges.
	LoopID    uuid.UUID
	Guard     string
	CreatedAt time.Time
	Elapsed   time.Duration
	InputOps  int
	OutputOps int
	Retrace   bool
}

// Guard is a logged guard with its resume data.
type Guard struct {
	Position   int
	Name       string
	Op         string
	ResumeText string
	BlobSize   int
}

// Record is an entry with its operations and guards.
type Record struct {
	Entry
	Ops    string
	Guards []Guard
}

// Log is a JIT log backed by a SQLite database.
type Log struct {
	db      *sql.DB
	path    string
	session uuid.UUID

	mu     sync.Mutex
	tables *resume.Tables
}

// Open opens or creates the log at path.
func Open(path string) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Log{db: db, path: path, session: uuid.New(), tables: resume.NewTables()}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Session returns the ID stamped on entries written through l.
func (l *Log) Session() uuid.UUID { return l.session }

// ============================================================================
// Writing
// ============================================================================

// RecordCompile logs one compilation. It implements jit.Recorder.
func (l *Log) RecordCompile(c *jit.Compiled) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, kind, guard := c.Token.UUID, KindLoop, ""
	retrace := false
	if c.IsBridge() {
		id, kind, guard = uuid.New(), KindBridge, c.Guard.String()
		retrace = c.Result.RetraceRequested
	}

	var text bytes.Buffer
	trace.Fprint(&text, c.Result.Inputs, c.Result.Ops)
	ops, err := compress(text.Bytes())
	if err != nil {
		return err
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO compiled
		(id, session, name, kind, loop_id, guard, created_at, elapsed_ns, input_ops, output_ops, retrace, ops)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), l.session.String(), c.Token.String(), string(kind), c.Token.UUID.String(), guard,
		c.At.UnixNano(), int64(c.Elapsed), c.InputOps, len(c.Result.Ops), retrace, ops)
	if err != nil {
		return fmt.Errorf("saving %s %s: %w", kind, c.Token, err)
	}
	if _, err := tx.Exec("DELETE FROM guards WHERE compiled_id = ?", id.String()); err != nil {
		return fmt.Errorf("clearing guards: %w", err)
	}

	for pos, op := range c.Result.Ops {
		fd := op.FailDescr()
		if fd == nil || fd.Final {
			continue
		}
		data, ok := fd.Resume.(*resume.Data)
		if !ok {
			continue
		}
		raw, err := resume.Marshal(data, l.tables)
		if err != nil {
			return fmt.Errorf("encoding resume data of %s: %w", fd, err)
		}
		blob, err := compress(raw)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO guards (compiled_id, position, guard, opname, resume_text, resume_blob)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id.String(), pos, fd.String(), op.Num.String(), data.String(), blob)
		if err != nil {
			return fmt.Errorf("saving guard %s: %w", fd, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", c.Token, err)
	}
	log.Debugf("logged %s %s (%s)", kind, c.Token, id)
	return nil
}

// ============================================================================
// Reading
// ============================================================================

const entryColumns = `id, session, name, kind, loop_id, guard, created_at, elapsed_ns, input_ops, output_ops, retrace`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var id, session, loopID, kind string
	var createdAt, elapsedNs int64
	var retrace bool
	if err := s.Scan(&id, &session, &e.Name, &kind, &loopID, &e.Guard, &createdAt, &elapsedNs,
		&e.InputOps, &e.OutputOps, &retrace); err != nil {
		return e, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return e, fmt.Errorf("entry id %q: %w", id, err)
	}
	if e.Session, err = uuid.Parse(session); err != nil {
		return e, fmt.Errorf("session of %s: %w", id, err)
	}
	if e.LoopID, err = uuid.Parse(loopID); err != nil {
		return e, fmt.Errorf("loop of %s: %w", id, err)
	}
	e.Kind = Kind(kind)
	e.CreatedAt = time.Unix(0, createdAt)
	e.Elapsed = time.Duration(elapsedNs)
	e.Retrace = retrace
	return e, nil
}

// List returns every entry, oldest first.
func (l *Log) List() ([]Entry, error) {
	rows, err := l.db.Query("SELECT " + entryColumns + " FROM compiled ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("listing entries: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lookup finds an entry by full ID, ID prefix or name. A name matches the
// newest loop of that name.
func (l *Log) Lookup(key string) (uuid.UUID, error) {
	var id string
	err := l.db.QueryRow(`SELECT id FROM compiled
		WHERE id LIKE ? || '%' OR (name = ? AND kind = ?)
		ORDER BY created_at DESC LIMIT 1`, key, key, string(KindLoop)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("lookup %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup %q: %w", key, err)
	}
	return uuid.Parse(id)
}

// Show returns the entry id with its operations and guards.
func (l *Log) Show(id uuid.UUID) (*Record, error) {
	row := l.db.QueryRow("SELECT "+entryColumns+", ops FROM compiled WHERE id = ?", id.String())
	var ops []byte
	rec := &Record{}
	e, err := scanEntry(scanFunc(func(dest ...any) error {
		return row.Scan(append(dest, &ops)...)
	}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("show %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", id, err)
	}
	rec.Entry = e
	text, err := decompress(ops)
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", id, err)
	}
	rec.Ops = string(text)

	rows, err := l.db.Query(`SELECT position, guard, opname, resume_text, length(resume_blob)
		FROM guards WHERE compiled_id = ? ORDER BY position`, id.String())
	if err != nil {
		return nil, fmt.Errorf("show %s guards: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var g Guard
		if err := rows.Scan(&g.Position, &g.Name, &g.Op, &g.ResumeText, &g.BlobSize); err != nil {
			return nil, fmt.Errorf("show %s guards: %w", id, err)
		}
		rec.Guards = append(rec.Guards, g)
	}
	return rec, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// Resume decodes the resume blob of the guard at position in entry id.
// Only blobs written through l can be decoded.
func (l *Log) Resume(id uuid.UUID, position int) (*resume.Data, error) {
	var session string
	var blob []byte
	err := l.db.QueryRow(`SELECT c.session, g.resume_blob FROM guards g
		JOIN compiled c ON c.id = g.compiled_id
		WHERE g.compiled_id = ? AND g.position = ?`, id.String(), position).Scan(&session, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resume %s@%d: %w", id, position, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resume %s@%d: %w", id, position, err)
	}
	if session != l.session.String() {
		return nil, fmt.Errorf("resume %s@%d: %w", id, position, ErrForeignSession)
	}
	raw, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("resume %s@%d: %w", id, position, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return resume.Unmarshal(raw, l.tables)
}

// Prune deletes all entries older than before and returns how many
// were removed.
func (l *Log) Prune(before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	cut := before.UnixNano()
	if _, err := tx.Exec(`DELETE FROM guards WHERE compiled_id IN
		(SELECT id FROM compiled WHERE created_at < ?)`, cut); err != nil {
		return 0, fmt.Errorf("pruning guards: %w", err)
	}
	res, err := tx.Exec("DELETE FROM compiled WHERE created_at < ?", cut)
	if err != nil {
		return 0, fmt.Errorf("pruning entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// ============================================================================
// Compression
// ============================================================================

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

// String formats e on one line.
func (e Entry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %-6s %-16s %3d -> %3d ops  %s", e.ID.String()[:8], e.Kind, e.Name, e.InputOps, e.OutputOps, e.Elapsed)
	if e.Guard != "" {
		fmt.Fprintf(&sb, "  at %s", e.Guard)
	}
	if e.Retrace {
		sb.WriteString("  retrace")
	}
	return sb.String()
}
