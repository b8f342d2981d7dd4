/*
Package sqlite provides a SQLite-backed implementation of recurring.Store.

PURPOSE:
  Persists recurring obligations, the ledger entries they materialize and
  the audit trail of scan runs. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  obligations:    One row per recurring obligation (versioned)
  ledger_entries: Append-only ledger of materialized occurrences
  scan_runs:      One row per process / remind / sweep invocation

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - ledger_entries.source_id has no foreign key: entries outlive the
    obligation that produced them

INVARIANTS IN THE SCHEMA:
  - idempotency_key is UNIQUE, so one occurrence is written at most once
  - a CHECK keeps next_due NULL exactly when status is terminal
  - version is bumped by every Save and compared against the caller's

TIME FORMAT:
  All timestamps are stored as UTC text in timeLayout, nanoseconds
  included. Fixed width means lexical order is chronological, so range
  predicates compare strings.

ZONES:
  obligations.zone keeps the zone of the start date (see generic.ZoneOf).
  Schedule dates are read back in that zone, so month-end clamping sees
  the same calendar day the client anchored on.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; WithTx holds the write lock for
  the whole callback, and the transactional view only ever touches the
  sql.Tx. Transactions begin IMMEDIATE, so several processes sharing one
  database file queue on busy_timeout instead of failing on lock upgrade. In production with PostgreSQL, row locks (SELECT ... FOR UPDATE)
  replace the mutex.

ERRORS:
  Connection-level failures (closed database, bad connection, I/O and
  corruption errors) are wrapped with generic.ErrStoreUnavailable so the
  scanner aborts instead of failing every remaining obligation one by one.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/recurring.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := recurring.New(store, notifier)

SEE ALSO:
  - recurring/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements recurring.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ recurring.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Recurring obligations
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'IDR',
		category TEXT NOT NULL,
		subcategory TEXT,
		description TEXT,
		payment_method TEXT,
		frequency TEXT NOT NULL,
		custom_rule TEXT,
		start_date TEXT NOT NULL,
		zone TEXT NOT NULL DEFAULT 'UTC',
		end_date TEXT,
		last_processed TEXT,
		next_due TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		reminder_days INTEGER NOT NULL DEFAULT 3,
		auto_process INTEGER NOT NULL DEFAULT 0,
		last_reminded_due TEXT,
		metadata_json TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((status IN ('COMPLETED', 'CANCELLED')) = (next_due IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_user
		ON obligations(user_id);

	-- Due-set and approaching-set scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_obligations_status_next_due
		ON obligations(status, next_due);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		category TEXT NOT NULL,
		subcategory TEXT,
		description TEXT,
		payment_method TEXT,
		status TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		occurrence TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_source
		ON ledger_entries(source_id, occurrence DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries(user_id, occurred_at DESC);

	-- Scan runs (audit trail of driver invocations)
	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		as_of TEXT NOT NULL,
		candidates INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scan_runs_started
		ON scan_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `
	id, user_id, kind, amount, currency, category, subcategory, description,
	payment_method, frequency, custom_rule, start_date, zone, end_date,
	last_processed, next_due, status, reminder_days, auto_process,
	last_reminded_due, metadata_json, version, created_at, updated_at`

// Create inserts a new obligation.
func (s *Store) Create(ctx context.Context, ob recurring.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ob.Version == 0 {
		ob.Version = 1
	}
	metadataJSON, err := json.Marshal(ob.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `INSERT INTO obligations (` + obligationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		ob.ID,
		ob.UserID,
		ob.Kind,
		ob.Amount.Value.StringFixed(generic.AmountScale),
		ob.Amount.Currency,
		ob.Category,
		nullString(ob.Subcategory),
		nullString(ob.Description),
		nullString(ob.PaymentMethod),
		ob.Frequency,
		nullString(string(ob.CustomRule)),
		formatTime(ob.StartDate),
		generic.ZoneOf(ob.StartDate),
		formatTimePtr(ob.EndDate),
		formatTimePtr(ob.LastProcessed),
		formatTimePtr(ob.NextDue),
		ob.Status,
		ob.ReminderDays,
		ob.AutoProcess,
		formatTimePtr(ob.LastRemindedDue),
		string(metadataJSON),
		ob.Version,
		formatTime(ob.CreatedAt),
		formatTime(ob.UpdatedAt),
	)
	if err != nil {
		return wrapErr("create obligation", err)
	}
	return nil
}

// Get returns an obligation by ID.
func (s *Store) Get(ctx context.Context, id recurring.ObligationID) (*recurring.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, db querier, id recurring.ObligationID) (*recurring.Obligation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	ob, err := scanObligation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrObligationNotFound
	}
	if err != nil {
		return nil, wrapErr("get obligation", err)
	}
	return &ob, nil
}

// Delete removes an obligation. Its ledger entries are kept.
func (s *Store) Delete(ctx context.Context, id recurring.ObligationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM obligations WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete obligation", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return generic.ErrObligationNotFound
	}
	return nil
}

// List returns obligations matching the filter, ordered by next due date
// with unscheduled ones last.
func (s *Store) List(ctx context.Context, filter recurring.Filter) ([]recurring.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Frequency != "" {
		where = append(where, "frequency = ?")
		args = append(args, filter.Frequency)
	}

	query := `SELECT ` + obligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY next_due IS NULL, next_due, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return s.queryObligations(ctx, query, args...)
}

// FindDue returns ACTIVE obligations due at now whose series has not ended.
func (s *Store) FindDue(ctx context.Context, now time.Time) ([]recurring.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at := formatTime(now)
	return s.queryObligations(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE status = 'ACTIVE'
			AND next_due <= ?
			AND (end_date IS NULL OR end_date > ?)
		ORDER BY next_due, id
	`, at, at)
}

// FindApproaching returns ACTIVE obligations whose next due date falls in
// their own reminder window and has not been reminded for yet.
func (s *Store) FindApproaching(ctx context.Context, now time.Time) ([]recurring.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at := formatTime(now)
	return s.queryObligations(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE status = 'ACTIVE'
			AND next_due > ?
			AND CAST(strftime('%s', next_due) AS INTEGER) - CAST(strftime('%s', ?) AS INTEGER)
				<= reminder_days * 86400
			AND (last_reminded_due IS NULL OR last_reminded_due <> next_due)
		ORDER BY next_due, id
	`, at, at)
}

// FindExpired returns ACTIVE obligations whose end date is before now.
func (s *Store) FindExpired(ctx context.Context, now time.Time) ([]recurring.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryObligations(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE status = 'ACTIVE' AND end_date IS NOT NULL AND end_date < ?
		ORDER BY end_date, id
	`, formatTime(now))
}

// MarkReminded claims the reminder for due with a conditional update.
func (s *Store) MarkReminded(ctx context.Context, id recurring.ObligationID, due time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := formatTime(due)
	result, err := s.db.ExecContext(ctx, `
		UPDATE obligations SET last_reminded_due = ?
		WHERE id = ?
			AND status = 'ACTIVE'
			AND next_due = ?
			AND (last_reminded_due IS NULL OR last_reminded_due <> ?)
	`, at, id, at, at)
	if err != nil {
		return false, wrapErr("mark reminded", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("mark reminded", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := getObligation(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) queryObligations(ctx context.Context, query string, args ...any) ([]recurring.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query obligations", err)
	}
	defer rows.Close()

	result := make([]recurring.Obligation, 0)
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, wrapErr("scan obligation", err)
		}
		result = append(result, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query obligations", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (recurring.Obligation, error) {
	var (
		ob                                                  recurring.Obligation
		amount, currency                                    string
		subcategory, description, paymentMethod, customRule sql.NullString
		startDate, zone, createdAt, updatedAt               string
		endDate, lastProcessed, nextDue, lastRemindedDue    sql.NullString
		metadataJSON                                        sql.NullString
	)

	err := row.Scan(
		&ob.ID, &ob.UserID, &ob.Kind, &amount, &currency, &ob.Category,
		&subcategory, &description, &paymentMethod, &ob.Frequency, &customRule,
		&startDate, &zone, &endDate, &lastProcessed, &nextDue, &ob.Status,
		&ob.ReminderDays, &ob.AutoProcess, &lastRemindedDue, &metadataJSON,
		&ob.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return ob, err
	}

	if ob.Amount, err = parseAmount(amount, currency); err != nil {
		return ob, err
	}
	ob.Subcategory = subcategory.String
	ob.Description = description.String
	ob.PaymentMethod = paymentMethod.String
	if customRule.Valid && customRule.String != "" {
		ob.CustomRule = recurring.CustomRule(customRule.String)
	}
	loc, err := generic.LoadZone(zone)
	if err != nil {
		return ob, fmt.Errorf("load zone: %w", err)
	}
	ob.StartDate = parseTime(startDate).In(loc)
	ob.EndDate = inZone(parseNullTime(endDate), loc)
	ob.LastProcessed = inZone(parseNullTime(lastProcessed), loc)
	ob.NextDue = inZone(parseNullTime(nextDue), loc)
	ob.LastRemindedDue = inZone(parseNullTime(lastRemindedDue), loc)
	ob.CreatedAt = parseTime(createdAt)
	ob.UpdatedAt = parseTime(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ob.Metadata); err != nil {
			return ob, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ob, nil
}

// =============================================================================
// LEDGER ENTRIES (generic.EntryStore interface)
// =============================================================================

// AppendEntry adds an entry to the ledger.
func (s *Store) AppendEntry(ctx context.Context, e generic.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, db execer, e generic.Entry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries
		(id, user_id, source_id, kind, amount, currency, category, subcategory,
		 description, payment_method, status, occurred_at, occurrence,
		 idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.SourceID,
		e.Kind,
		e.Amount.Value.StringFixed(generic.AmountScale),
		e.Amount.Currency,
		e.Category,
		nullString(e.Subcategory),
		nullString(e.Description),
		nullString(e.PaymentMethod),
		e.Status,
		formatTime(e.OccurredAt),
		formatTime(e.Occurrence),
		nullString(e.IdempotencyKey),
		string(metadataJSON),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return wrapErr("append entry", err)
	}
	return nil
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryExists(ctx, s.db, idempotencyKey)
}

func entryExists(ctx context.Context, db querier, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, wrapErr("check idempotency key", err)
	}
	return count > 0, nil
}

// Entries returns the entries produced by one source, newest occurrence first.
func (s *Store) Entries(ctx context.Context, source generic.SourceID) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source_id, kind, amount, currency, category, subcategory,
			description, payment_method, status, occurred_at, occurrence,
			idempotency_key, metadata_json, created_at
		FROM ledger_entries
		WHERE source_id = ?
		ORDER BY occurrence DESC, rowid DESC
	`, source)
	if err != nil {
		return nil, wrapErr("query entries", err)
	}
	defer rows.Close()

	result := make([]generic.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapErr("scan entry", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query entries", err)
	}
	return result, nil
}

func scanEntry(row rowScanner) (generic.Entry, error) {
	var (
		e                                        generic.Entry
		amount, currency                         string
		subcategory, description, paymentMethod  sql.NullString
		idempotencyKey, metadataJSON             sql.NullString
		occurredAt, occurrence, createdAt        string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.SourceID, &e.Kind, &amount, &currency, &e.Category,
		&subcategory, &description, &paymentMethod, &e.Status, &occurredAt,
		&occurrence, &idempotencyKey, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, err
	}

	if e.Amount, err = parseAmount(amount, currency); err != nil {
		return e, err
	}
	e.Subcategory = subcategory.String
	e.Description = description.String
	e.PaymentMethod = paymentMethod.String
	e.IdempotencyKey = idempotencyKey.String
	e.OccurredAt = parseTime(occurredAt)
	e.Occurrence = parseTime(occurrence)
	e.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// =============================================================================
// SCAN RUNS
// =============================================================================

// SaveRun inserts or updates a scan run record.
func (s *Store) SaveRun(ctx context.Context, r recurring.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scan_runs (id, kind, status, as_of, candidates, succeeded,
			failed, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			candidates = excluded.candidates,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Kind, r.Status, formatTime(r.AsOf),
		r.Candidates, r.Succeeded, r.Failed, r.Skipped,
		nullString(r.Error), formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return wrapErr("save run", err)
	}
	return nil
}

// ListRuns returns the most recent scan runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]recurring.ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, as_of, candidates, succeeded, failed, skipped,
			error, started_at, completed_at
		FROM scan_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrapErr("query runs", err)
	}
	defer rows.Close()

	result := make([]recurring.ScanRun, 0)
	for rows.Next() {
		var (
			r                 recurring.ScanRun
			asOf, startedAt   string
			errText, complete sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &asOf, &r.Candidates,
			&r.Succeeded, &r.Failed, &r.Skipped, &errText, &startedAt, &complete); err != nil {
			return nil, wrapErr("scan run", err)
		}
		r.AsOf = parseTime(asOf)
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(complete)
		r.Error = errText.String
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query runs", err)
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(recurring.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The mutex does not watch ctx; the wait may have used up its deadline.
	if err := ctx.Err(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrapErr("commit transaction", err)
	}
	return nil
}

// txStore never calls back into Store: the write lock is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, id recurring.ObligationID) (*recurring.Obligation, error) {
	return getObligation(ctx, ts.tx, id)
}

// Save writes every column except last_reminded_due, which belongs to
// MarkReminded, and only if the stored version still matches.
func (ts *txStore) Save(ctx context.Context, ob recurring.Obligation) error {
	metadataJSON, err := json.Marshal(ob.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	result, err := ts.tx.ExecContext(ctx, `
		UPDATE obligations SET
			kind = ?, amount = ?, currency = ?, category = ?, subcategory = ?,
			description = ?, payment_method = ?, frequency = ?, custom_rule = ?,
			start_date = ?, zone = ?, end_date = ?, last_processed = ?, next_due = ?,
			status = ?, reminder_days = ?, auto_process = ?, metadata_json = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		ob.Kind,
		ob.Amount.Value.StringFixed(generic.AmountScale),
		ob.Amount.Currency,
		ob.Category,
		nullString(ob.Subcategory),
		nullString(ob.Description),
		nullString(ob.PaymentMethod),
		ob.Frequency,
		nullString(string(ob.CustomRule)),
		formatTime(ob.StartDate),
		generic.ZoneOf(ob.StartDate),
		formatTimePtr(ob.EndDate),
		formatTimePtr(ob.LastProcessed),
		formatTimePtr(ob.NextDue),
		ob.Status,
		ob.ReminderDays,
		ob.AutoProcess,
		string(metadataJSON),
		formatTime(ob.UpdatedAt),
		ob.ID,
		ob.Version,
	)
	if err != nil {
		return wrapErr("save obligation", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return wrapErr("save obligation", err)
	}
	if n == 0 {
		if _, err := getObligation(ctx, ts.tx, ob.ID); err != nil {
			return err
		}
		return generic.ErrConcurrentModification
	}
	return nil
}

func (ts *txStore) AppendEntry(ctx context.Context, e generic.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return entryExists(ctx, ts.tx, idempotencyKey)
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func inZone(t *time.Time, loc *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	local := t.In(loc)
	return &local
}

func parseAmount(value, currency string) (generic.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return generic.NewAmount(d, currency), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isUnavailable reports errors that will affect every subsequent query.
func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrCorrupt,
			sqlite3.ErrNotADB, sqlite3.ErrFull, sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}
	// database/sql does not export its closed-database error.
	return strings.Contains(err.Error(), "sql: database is closed")
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, generic.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
