// Package store provides persistent message storage backed by an embedded
// SQLite database, including the deadline-budgeted chunked writer (C4 of
// the chat ingestion core).
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	sqlite3 "modernc.org/sqlite"

	"chatpipe/message"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — normalized chat messages, the only table C4 writes to.
	`CREATE TABLE IF NOT EXISTS comment_logs (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		youtube_id         TEXT NOT NULL UNIQUE,
		message            TEXT NOT NULL,
		author_name        TEXT NOT NULL,
		author_channel_id  TEXT NOT NULL,
		author_image_url   TEXT NOT NULL DEFAULT '',
		is_owner           INTEGER NOT NULL DEFAULT 0,
		is_moderator       INTEGER NOT NULL DEFAULT 0,
		is_member          INTEGER NOT NULL DEFAULT 0,
		message_type       TEXT NOT NULL DEFAULT 'text',
		message_data       TEXT,
		published_at       TEXT NOT NULL
	)`,
	// v2 — settings key/value store (populated by out-of-scope collaborators).
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	// v3 — index supporting recency queries over stored comments.
	`CREATE INDEX IF NOT EXISTS idx_comment_logs_published ON comment_logs(published_at)`,
	// v4 — enable WAL mode.
	`PRAGMA journal_mode=WAL`,
}

const (
	// chunkSize is the number of messages attempted per transaction.
	chunkSize = 50
	// minUsefulBudget is the threshold below which a chunk is skipped
	// outright rather than attempted.
	minUsefulBudget = 50 * time.Millisecond
	// maxAttemptsPerChunk bounds the transactional retry loop.
	maxAttemptsPerChunk = 3
	// acquireTimeoutCap bounds the pooled-connection acquire wait.
	acquireTimeoutCap = 500 * time.Millisecond
	// perAttemptBusyTimeoutCap bounds the PRAGMA busy_timeout set per attempt.
	perAttemptBusyTimeoutCap = 500 * time.Millisecond
	// retryReserve is the slack reserved so sleeping never eats into the
	// budget required for the next attempt.
	retryReserve = 50 * time.Millisecond
)

// sqliteBusyCodes are the two extended result codes (mod 256) associated
// with lock contention in SQLite: SQLITE_BUSY (5) and SQLITE_LOCKED (6).
var sqliteBusyCodes = map[int]bool{5: true, 6: true}

// Store wraps a SQLite database and exposes the message persistence API.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger

	mSaved        prometheus.Counter
	mFailed       prometheus.Counter
	mSkipped      prometheus.Counter
	mWriteSeconds prometheus.Histogram
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow up to four pooled connections; SQLite's own locking serialises
	// concurrent writers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.WithError(err).Warn("store: enable WAL mode (non-fatal)")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.WithError(err).Warn("store: set busy_timeout (non-fatal)")
	}

	s := &Store{
		db:  db,
		log: log,
		mSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipe_comments_saved_total",
			Help: "Normalized chat messages persisted successfully.",
		}),
		mFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipe_comments_failed_total",
			Help: "Normalized chat messages that could not be persisted.",
		}),
		mSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipe_comments_skipped_total",
			Help: "Normalized chat messages skipped due to exhausted write budget.",
		}),
		mWriteSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpipe_write_seconds",
			Help:    "Wall-clock duration of SaveMessages calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Collectors returns the Prometheus collectors this store exposes, for
// registration by the caller.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.mSaved, s.mFailed, s.mSkipped, s.mWriteSeconds}
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.WithField("version", v).Info("store: applied migration")
	}
	return nil
}

// ---------------------------------------------------------------------------
// C4: Chunked DB Writer
// ---------------------------------------------------------------------------

// WriteResult is the advisory outcome of a SaveMessages call.
type WriteResult struct {
	Saved   int
	Failed  int
	Skipped int
}

// classification is the outcome of a single write attempt.
type classification int

const (
	classOK classification = iota
	classBusy
	classOtherError
	classPoisoned
)

// SaveMessages persists a batch of normalized messages, chunked and
// retried within budget, per §4.3. Writes are idempotent: duplicate
// youtube_id values are silently ignored via INSERT OR IGNORE.
func (s *Store) SaveMessages(ctx context.Context, messages []message.Message, budget time.Duration) (WriteResult, error) {
	start := time.Now()
	deadline := start.Add(budget)
	defer func() {
		s.mWriteSeconds.Observe(time.Since(start).Seconds())
	}()

	var result WriteResult

	for i := 0; i < len(messages); i += chunkSize {
		end := i + chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk := messages[i:end]

		remaining := time.Until(deadline)
		if remaining < minUsefulBudget {
			result.Skipped += len(messages) - i
			s.mSkipped.Add(float64(len(messages) - i))
			s.log.WithField("skipped", len(messages)-i).Warn("store: write budget exhausted, skipping remainder")
			return result, nil
		}

		saved, failed, fellBack, err := s.writeChunkWithRetry(ctx, chunk, deadline)
		if err != nil && !fellBack {
			// Transactional path gave up and there was insufficient
			// budget left for the fallback: count the whole chunk as
			// skipped rather than failed (nothing was attempted).
			result.Skipped += len(chunk)
			s.mSkipped.Add(float64(len(chunk)))
			continue
		}
		result.Saved += saved
		result.Failed += failed
		s.mSaved.Add(float64(saved))
		s.mFailed.Add(float64(failed))
	}

	return result, nil
}

// writeChunkWithRetry attempts the chunk transactionally, retrying Busy
// classifications within budget, then falls back to a per-row path if the
// transactional path is exhausted and budget remains. It returns whether
// it fell back at all, so the caller can distinguish "nothing attempted"
// from "fallback attempted and recorded its own failed count".
func (s *Store) writeChunkWithRetry(ctx context.Context, chunk []message.Message, deadline time.Time) (saved, failed int, fellBack bool, err error) {
	var lastErr error

	for attempt := 0; attempt < maxAttemptsPerChunk; attempt++ {
		remaining := time.Until(deadline)
		if remaining < minUsefulBudget {
			lastErr = fmt.Errorf("insufficient budget for attempt %d", attempt)
			break
		}

		class, n, werr := s.attemptChunkTransaction(ctx, chunk, remaining)
		if class == classOK {
			return n, 0, false, nil
		}
		lastErr = werr
		if class != classBusy {
			break
		}

		remaining = time.Until(deadline)
		backoffMS := 100 * (1 << attempt)
		if backoffMS > 1000 {
			backoffMS = 1000
		}
		backoff := time.Duration(backoffMS) * time.Millisecond
		if remaining-retryReserve < backoff {
			backoff = remaining - retryReserve
		}
		if backoff <= 0 {
			break
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt, "backoff_ms": backoff.Milliseconds()}).
			Debug("store: chunk busy, retrying")
		select {
		case <-ctx.Done():
			return 0, len(chunk), false, ctx.Err()
		case <-time.After(backoff):
		}
	}

	remaining := time.Until(deadline)
	if remaining < minUsefulBudget {
		return 0, 0, false, lastErr
	}

	saved, failed = s.writeChunkFallback(ctx, chunk, deadline)
	return saved, failed, true, nil
}

// attemptChunkTransaction performs one transactional attempt at writing
// chunk, implementing the acquire/busy-timeout/restore-or-detach
// discipline of §4.3.
func (s *Store) attemptChunkTransaction(ctx context.Context, chunk []message.Message, remaining time.Duration) (classification, int, error) {
	acquireTimeout := remaining / 2
	if acquireTimeout > acquireTimeoutCap {
		acquireTimeout = acquireTimeoutCap
	}
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		return classBusy, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	priorTimeout, err := getBusyTimeout(ctx, conn)
	if err != nil {
		return classOtherError, 0, fmt.Errorf("read busy_timeout: %w", err)
	}

	attemptTimeout := remaining
	if attemptTimeout > perAttemptBusyTimeoutCap {
		attemptTimeout = perAttemptBusyTimeoutCap
	}
	if err := setBusyTimeout(ctx, conn, attemptTimeout); err != nil {
		return classOtherError, 0, fmt.Errorf("set busy_timeout: %w", err)
	}

	restore := func() {
		if rerr := setBusyTimeout(ctx, conn, priorTimeout); rerr != nil {
			s.log.WithError(rerr).Error("store: restore busy_timeout failed, detaching connection")
			detachConnection(conn)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		restore()
		if c := classifyErr(err); c == classBusy {
			return classBusy, 0, err
		}
		return classOtherError, 0, err
	}

	saved := 0
	var txErr error
	for _, m := range chunk {
		var rows int64
		if rows, txErr = insertMessage(ctx, tx, m); txErr != nil {
			// Single transaction per attempt per §4.3: stop on the
			// first per-row error and let the whole attempt be
			// classified and retried or rolled into the fallback.
			break
		}
		if rows > 0 {
			saved++
		}
	}

	if txErr != nil {
		if rerr := tx.Rollback(); rerr != nil {
			restore()
			s.log.WithError(rerr).Error("store: rollback failed, connection poisoned")
			return classPoisoned, 0, rerr
		}
		restore()
		return classifyErr(txErr), 0, txErr
	}

	if err := tx.Commit(); err != nil {
		restore()
		return classifyErr(err), 0, err
	}
	restore()
	return classOK, saved, nil
}

// writeChunkFallback inserts messages one at a time on a single
// connection, with the same busy-timeout discipline, tolerating per-row
// failures.
func (s *Store) writeChunkFallback(ctx context.Context, chunk []message.Message, deadline time.Time) (saved, failed int) {
	remaining := time.Until(deadline)
	if remaining < minUsefulBudget {
		return 0, len(chunk)
	}

	acquireTimeout := remaining / 2
	if acquireTimeout > acquireTimeoutCap {
		acquireTimeout = acquireTimeoutCap
	}
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		return 0, len(chunk)
	}
	defer conn.Close()

	priorTimeout, err := getBusyTimeout(ctx, conn)
	if err != nil {
		return 0, len(chunk)
	}
	attemptTimeout := remaining
	if attemptTimeout > perAttemptBusyTimeoutCap {
		attemptTimeout = perAttemptBusyTimeoutCap
	}
	if err := setBusyTimeout(ctx, conn, attemptTimeout); err != nil {
		return 0, len(chunk)
	}
	defer func() {
		if rerr := setBusyTimeout(ctx, conn, priorTimeout); rerr != nil {
			s.log.WithError(rerr).Error("store: restore busy_timeout failed in fallback, detaching connection")
			detachConnection(conn)
		}
	}()

	for _, m := range chunk {
		rows, err := insertMessageConn(ctx, conn, m)
		if err != nil {
			s.log.WithError(err).WithField("id", m.ID).Warn("store: per-row fallback insert failed")
			failed++
			continue
		}
		if rows > 0 {
			saved++
		}
	}
	return saved, failed
}

// detachConnection ensures conn is discarded rather than returned to the
// idle pool. Returning driver.ErrBadConn from the function passed to
// Conn.Raw is database/sql's documented signal that the underlying driver
// connection must be dropped — the pool replaces it on next use instead
// of handing a connection with an un-restored busy-timeout to another
// caller.
func detachConnection(conn *sql.Conn) {
	_ = conn.Raw(func(driverConn any) error {
		return driver.ErrBadConn
	})
}

func getBusyTimeout(ctx context.Context, conn *sql.Conn) (time.Duration, error) {
	var ms int
	row := conn.QueryRowContext(ctx, `PRAGMA busy_timeout`)
	if err := row.Scan(&ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func setBusyTimeout(ctx context.Context, conn *sql.Conn, d time.Duration) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", d.Milliseconds()))
	return err
}

// insertMessage executes the INSERT OR IGNORE and reports rows affected
// so callers can tell an actual insert apart from a silently-ignored
// duplicate youtube_id.
func insertMessage(ctx context.Context, tx *sql.Tx, m message.Message) (int64, error) {
	dataJSON, typeTag := encodeKind(m)
	res, err := tx.ExecContext(ctx, insertSQL,
		m.ID, m.Body, m.AuthorName, m.AuthorChannelID, m.AuthorImageURL,
		boolToInt(m.Roles.Owner), boolToInt(m.Roles.Moderator), boolToInt(m.Roles.Member),
		typeTag, dataJSON, m.PublishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertMessageConn(ctx context.Context, conn *sql.Conn, m message.Message) (int64, error) {
	dataJSON, typeTag := encodeKind(m)
	res, err := conn.ExecContext(ctx, insertSQL,
		m.ID, m.Body, m.AuthorName, m.AuthorChannelID, m.AuthorImageURL,
		boolToInt(m.Roles.Owner), boolToInt(m.Roles.Moderator), boolToInt(m.Roles.Member),
		typeTag, dataJSON, m.PublishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const insertSQL = `INSERT OR IGNORE INTO comment_logs
	(youtube_id, message, author_name, author_channel_id, author_image_url,
	 is_owner, is_moderator, is_member, message_type, message_data, published_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeKind returns the short type tag and JSON side-blob (for non-text
// kinds) describing a message's Kind-specific fields.
func encodeKind(m message.Message) (dataJSON sql.NullString, tag string) {
	tag = string(m.Kind)
	if m.Kind == message.KindText {
		return sql.NullString{}, tag
	}
	b, err := json.Marshal(m.Tip)
	if err != nil {
		return sql.NullString{}, tag
	}
	return sql.NullString{String: string(b), Valid: true}, tag
}

// classifyErr implements the Busy-classification rule of §4.3: an error
// is Busy iff the driver supplies a symbolic/numeric code that maps (mod
// 256) to SQLITE_BUSY(5) or SQLITE_LOCKED(6); if the driver supplies any
// code at all, the message text is never consulted. Only when no code is
// available at all does the function fall back to matching the two
// canonical lock phrases in the error text.
func classifyErr(err error) classification {
	if err == nil {
		return classOK
	}
	var sqErr *sqlite3.Error
	if errors.As(err, &sqErr) {
		if sqliteBusyCodes[sqErr.Code()%256] {
			return classBusy
		}
		return classOtherError
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return classBusy
	}
	return classOtherError
}

// ---------------------------------------------------------------------------
// Settings (out-of-scope CRUD collaborators write here; kept for schema
// completeness per spec.md §6, not exercised by this core beyond read/seed).
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key. The second return value
// is false when the key does not exist.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value, updated_at) VALUES(?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// MessageCount returns the number of persisted comment rows, for CLI
// status reporting.
func (s *Store) MessageCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM comment_logs`).Scan(&n)
	return n, err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
