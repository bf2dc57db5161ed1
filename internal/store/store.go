// Package store manages the on-device SQLite database holding expense
// reports, expenses, and the durable sync queue.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Every public mutation enqueues
// its replay instruction in the same transaction as the record write, so a
// crash can never leave a local change without a queued remote operation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    local_id    TEXT PRIMARY KEY,
    server_id   TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL,
    purpose     TEXT NOT NULL DEFAULT '',
    sync_status TEXT NOT NULL DEFAULT 'pending',
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS expenses (
    local_id        TEXT PRIMARY KEY,
    server_id       TEXT NOT NULL DEFAULT '',
    report_local_id TEXT NOT NULL,
    merchant        TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    amount_cents    INTEGER NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT '',
    incurred        TEXT NOT NULL DEFAULT '',
    receipt_path    TEXT NOT NULL DEFAULT '',
    receipt_url     TEXT NOT NULL DEFAULT '',
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_expenses_report ON expenses (report_local_id);

CREATE TABLE IF NOT EXISTS sync_queue (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    record_id  TEXT NOT NULL,
    action     TEXT NOT NULL,
    payload    BLOB NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue (table_name, record_id);
`

// Store is the SQLite-backed local store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the local database:
// ~/.local/share/expensesyncd/local.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "expensesyncd", "local.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. This is also what
	// serializes sync-engine writebacks against user-driven mutations.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- Report mutations --------------------------------------------------------

// CreateReport inserts a new report and enqueues its remote create in the
// same transaction. A LocalID is assigned if the caller left it empty; the
// report starts out pending.
func (s *Store) CreateReport(ctx context.Context, r *model.Report) error {
	if r.LocalID == "" {
		r.LocalID = uuid.NewString()
	}
	r.SyncStatus = model.StatusPending
	r.UpdatedAt = time.Now().UTC()

	payload, err := model.SnapshotReport(r)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reports (local_id, server_id, title, purpose, sync_status, updated_at)
			VALUES (?, '', ?, ?, ?, ?)`,
			r.LocalID, r.Title, r.Purpose, string(r.SyncStatus), formatTime(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting report %q: %w", r.LocalID, err)
		}
		return s.enqueueTx(ctx, tx, model.TableReports, r.LocalID, model.ActionCreate, payload)
	})
}

// UpdateReport writes the report's new field values, flips it back to
// pending, and enqueues the remote update atomically.
func (s *Store) UpdateReport(ctx context.Context, r *model.Report) error {
	r.SyncStatus = model.StatusPending
	r.UpdatedAt = time.Now().UTC()

	payload, err := model.SnapshotReport(r)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reports SET title = ?, purpose = ?, sync_status = ?, updated_at = ?
			WHERE local_id = ?`,
			r.Title, r.Purpose, string(r.SyncStatus), formatTime(r.UpdatedAt), r.LocalID,
		)
		if err != nil {
			return fmt.Errorf("updating report %q: %w", r.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("report %q not found", r.LocalID)
		}
		return s.enqueueTx(ctx, tx, model.TableReports, r.LocalID, model.ActionUpdate, payload)
	})
}

// DeleteReport deletes a report and its expenses. A report that never
// reached the server is removed outright together with any queued
// operations; a synced report keeps its row until the remote delete is
// confirmed by the engine, which then calls [Store.RemoveRecord].
//
// Child expenses are always removed locally; the remote cascades expense
// deletion when the report itself is deleted.
func (s *Store) DeleteReport(ctx context.Context, localID string) error {
	r, err := s.GetReport(ctx, localID)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Drop child expenses and anything queued for them.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE table_name = ? AND record_id IN
			   (SELECT local_id FROM expenses WHERE report_local_id = ?)`,
			model.TableExpenses, localID,
		); err != nil {
			return fmt.Errorf("dropping queued expense ops for report %q: %w", localID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM expenses WHERE report_local_id = ?`, localID,
		); err != nil {
			return fmt.Errorf("deleting expenses of report %q: %w", localID, err)
		}

		if r.ServerID == "" {
			// Never reached the server: nothing to replay remotely.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`,
				model.TableReports, localID,
			); err != nil {
				return fmt.Errorf("dropping queued ops for report %q: %w", localID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM reports WHERE local_id = ?`, localID,
			); err != nil {
				return fmt.Errorf("deleting report %q: %w", localID, err)
			}
			return nil
		}

		payload, err := model.SnapshotReport(r)
		if err != nil {
			return err
		}
		return s.enqueueTx(ctx, tx, model.TableReports, localID, model.ActionDelete, payload)
	})
}

// --- Expense mutations -------------------------------------------------------

// CreateExpense inserts a new expense and enqueues its remote create. The
// parent report must exist locally.
func (s *Store) CreateExpense(ctx context.Context, e *model.Expense) error {
	parent, err := s.GetReport(ctx, e.ReportLocalID)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("parent report %q not found", e.ReportLocalID)
	}

	if e.LocalID == "" {
		e.LocalID = uuid.NewString()
	}
	e.SyncStatus = model.StatusPending
	e.UpdatedAt = time.Now().UTC()

	payload, err := model.SnapshotExpense(e)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO expenses
			    (local_id, server_id, report_local_id, merchant, category,
			     amount_cents, currency, incurred, receipt_path, sync_status, updated_at)
			VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.LocalID, e.ReportLocalID, e.Merchant, e.Category,
			e.AmountCents, e.Currency, formatTime(e.Incurred), e.ReceiptPath,
			string(e.SyncStatus), formatTime(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting expense %q: %w", e.LocalID, err)
		}
		return s.enqueueTx(ctx, tx, model.TableExpenses, e.LocalID, model.ActionCreate, payload)
	})
}

// UpdateExpense writes the expense's new field values, flips it back to
// pending, and enqueues the remote update atomically.
func (s *Store) UpdateExpense(ctx context.Context, e *model.Expense) error {
	e.SyncStatus = model.StatusPending
	e.UpdatedAt = time.Now().UTC()

	payload, err := model.SnapshotExpense(e)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE expenses SET merchant = ?, category = ?, amount_cents = ?,
			    currency = ?, incurred = ?, receipt_path = ?, sync_status = ?, updated_at = ?
			WHERE local_id = ?`,
			e.Merchant, e.Category, e.AmountCents, e.Currency,
			formatTime(e.Incurred), e.ReceiptPath, string(e.SyncStatus),
			formatTime(e.UpdatedAt), e.LocalID,
		)
		if err != nil {
			return fmt.Errorf("updating expense %q: %w", e.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("expense %q not found", e.LocalID)
		}
		return s.enqueueTx(ctx, tx, model.TableExpenses, e.LocalID, model.ActionUpdate, payload)
	})
}

// DeleteExpense deletes an expense. Never-synced expenses are removed
// outright with their queued operations; synced ones keep their row until
// the engine confirms the remote delete.
func (s *Store) DeleteExpense(ctx context.Context, localID string) error {
	e, err := s.GetExpense(ctx, localID)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if e.ServerID == "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`,
				model.TableExpenses, localID,
			); err != nil {
				return fmt.Errorf("dropping queued ops for expense %q: %w", localID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM expenses WHERE local_id = ?`, localID,
			); err != nil {
				return fmt.Errorf("deleting expense %q: %w", localID, err)
			}
			return nil
		}

		payload, err := model.SnapshotExpense(e)
		if err != nil {
			return err
		}
		return s.enqueueTx(ctx, tx, model.TableExpenses, localID, model.ActionDelete, payload)
	})
}

// --- Reads -------------------------------------------------------------------

// GetReport returns the report with the given local ID, or (nil, nil) if no
// such report exists.
func (s *Store) GetReport(ctx context.Context, localID string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, server_id, title, purpose, sync_status, updated_at
		FROM reports WHERE local_id = ?`, localID)
	return scanReport(row)
}

// GetExpense returns the expense with the given local ID, or (nil, nil) if
// no such expense exists.
func (s *Store) GetExpense(ctx context.Context, localID string) (*model.Expense, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, server_id, report_local_id, merchant, category,
		       amount_cents, currency, incurred, receipt_path, receipt_url,
		       sync_status, updated_at
		FROM expenses WHERE local_id = ?`, localID)
	return scanExpense(row)
}

// ListExpensesForReport returns all expenses referencing the given report.
func (s *Store) ListExpensesForReport(ctx context.Context, reportLocalID string) ([]*model.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, server_id, report_local_id, merchant, category,
		       amount_cents, currency, incurred, receipt_path, receipt_url,
		       sync_status, updated_at
		FROM expenses WHERE report_local_id = ? ORDER BY incurred`, reportLocalID)
	if err != nil {
		return nil, fmt.Errorf("querying expenses for report %q: %w", reportLocalID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals reports record counts for the status command.
type Totals struct {
	Reports  int
	Expenses int
	Queued   int
}

// CountTotals returns record and queue counts.
func (s *Store) CountTotals(ctx context.Context) (Totals, error) {
	var t Totals
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&t.Reports); err != nil {
		return t, fmt.Errorf("counting reports: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses`).Scan(&t.Expenses); err != nil {
		return t, fmt.Errorf("counting expenses: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&t.Queued); err != nil {
		return t, fmt.Errorf("counting queue: %w", err)
	}
	return t, nil
}

// --- Engine writebacks -------------------------------------------------------

// ApplyServerIdentity patches server-provided fields onto a record after a
// confirmed remote round-trip and marks it synced. It deliberately bypasses
// the mutation API above: nothing is enqueued, so a writeback can never
// recurse into a new sync operation.
//
// serverID is only written when the record has none yet (server identity is
// assigned exactly once). receiptURL applies to expenses only; pass "" to
// leave it untouched.
func (s *Store) ApplyServerIdentity(ctx context.Context, table, localID, serverID, receiptURL string) error {
	now := formatTime(time.Now().UTC())

	switch table {
	case model.TableReports:
		_, err := s.db.ExecContext(ctx, `
			UPDATE reports SET
			    server_id   = CASE WHEN server_id = '' AND ? != '' THEN ? ELSE server_id END,
			    sync_status = ?,
			    updated_at  = ?
			WHERE local_id = ?`,
			serverID, serverID, string(model.StatusSynced), now, localID)
		if err != nil {
			return fmt.Errorf("applying server identity to report %q: %w", localID, err)
		}
		return nil
	case model.TableExpenses:
		_, err := s.db.ExecContext(ctx, `
			UPDATE expenses SET
			    server_id   = CASE WHEN server_id = '' AND ? != '' THEN ? ELSE server_id END,
			    receipt_url = CASE WHEN ? != '' THEN ? ELSE receipt_url END,
			    sync_status = ?,
			    updated_at  = ?
			WHERE local_id = ?`,
			serverID, serverID, receiptURL, receiptURL, string(model.StatusSynced), now, localID)
		if err != nil {
			return fmt.Errorf("applying server identity to expense %q: %w", localID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown table %q", table)
}

// SetRecordStatus overwrites a record's sync status without enqueuing.
func (s *Store) SetRecordStatus(ctx context.Context, table, localID string, status model.SyncStatus) error {
	q, err := tableUpdate(table, `sync_status = ?`)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, string(status), localID); err != nil {
		return fmt.Errorf("setting %s/%s status: %w", table, localID, err)
	}
	return nil
}

// RemoveRecord deletes a record row after its remote delete was confirmed.
func (s *Store) RemoveRecord(ctx context.Context, table, localID string) error {
	var q string
	switch table {
	case model.TableReports:
		q = `DELETE FROM reports WHERE local_id = ?`
	case model.TableExpenses:
		q = `DELETE FROM expenses WHERE local_id = ?`
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	if _, err := s.db.ExecContext(ctx, q, localID); err != nil {
		return fmt.Errorf("removing %s/%s: %w", table, localID, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func tableUpdate(table, set string) (string, error) {
	switch table {
	case model.TableReports:
		return `UPDATE reports SET ` + set + ` WHERE local_id = ?`, nil
	case model.TableExpenses:
		return `UPDATE expenses SET ` + set + ` WHERE local_id = ?`, nil
	}
	return "", fmt.Errorf("unknown table %q", table)
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (*model.Report, error) {
	var r model.Report
	var status, updated string

	err := sc.Scan(&r.LocalID, &r.ServerID, &r.Title, &r.Purpose, &status, &updated)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning report row: %w", err)
	}

	r.SyncStatus = model.SyncStatus(status)
	r.UpdatedAt, _ = parseTime(updated)
	return &r, nil
}

func scanExpense(sc scanner) (*model.Expense, error) {
	var e model.Expense
	var status, incurred, updated string

	err := sc.Scan(&e.LocalID, &e.ServerID, &e.ReportLocalID, &e.Merchant,
		&e.Category, &e.AmountCents, &e.Currency, &incurred, &e.ReceiptPath,
		&e.ReceiptURL, &status, &updated)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning expense row: %w", err)
	}

	e.SyncStatus = model.SyncStatus(status)
	e.Incurred, _ = parseTime(incurred)
	e.UpdatedAt, _ = parseTime(updated)
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
