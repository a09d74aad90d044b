package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// SQLiteStore keeps the decision log in SQLite. Writes are serialized and
// each record commits in its own transaction with synchronous=FULL.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens the database at dbPath, creating it if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", withPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if onDisk {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	} else {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(0)

	if onDisk {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// withPragmas applies per-connection pragmas through the DSN so every pooled
// connection gets them, not just the first.
func withPragmas(dsn string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	if i := strings.Index(dsn, "?"); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL,
		trace_id TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		target TEXT NOT NULL,
		reason TEXT NOT NULL,
		alternatives TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_trace ON decisions(trace_id, seq);
	CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(decision_type);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts rec in its own transaction and sets rec.Seq.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	alts := rec.Alternatives
	if alts == nil {
		alts = []string{}
	}
	altsJSON, err := json.Marshal(alts)
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "marshal alternatives")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (id, timestamp, trace_id, decision_type, target, reason, alternatives)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UnixNano(), rec.TraceID, string(rec.Type), rec.Target, rec.Reason, string(altsJSON))
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "insert decision")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "read decision sequence")
	}
	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "commit decision")
	}

	rec.Seq = seq
	rec.Alternatives = alts
	return nil
}

// ByTrace returns the trace's records in sequence order.
func (s *SQLiteStore) ByTrace(ctx context.Context, traceID string) ([]Record, error) {
	return s.Query(ctx, Filter{TraceID: traceID})
}

// Query selects records matching f in sequence order.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT seq, id, timestamp, trace_id, decision_type, target, reason, alternatives FROM decisions`
	var where []string
	var args []any
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.Type != "" {
		where = append(where, "decision_type = ?")
		args = append(args, string(f.Type))
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.To.UnixNano())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "query decisions")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			ts       int64
			typ      string
			altsJSON string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &ts, &rec.TraceID, &typ, &rec.Target, &rec.Reason, &altsJSON); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "scan decision")
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Type = Type(typ)
		if err := json.Unmarshal([]byte(altsJSON), &rec.Alternatives); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "decode alternatives")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "iterate decisions")
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
