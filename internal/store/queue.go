package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
)

// QueueItem is a durable instruction to replay one create/update/delete
// against the remote authority. Items are immutable once written except for
// the attempts counter and last_error.
type QueueItem struct {
	ID        int64
	Table     string
	RecordID  string
	Action    model.Action
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Enqueue inserts a replay instruction for (table, recordID), superseding
// any item already queued for the same record:
//
//   - a pending create absorbs later updates (payload refreshed, action
//     stays create so the record still gets its first remote round-trip)
//   - update over update refreshes the payload
//   - delete escalates over create/update
//   - nothing ever regresses a queued delete
//
// This keeps the queue at no more than one item per record between runs.
func (s *Store) Enqueue(ctx context.Context, table, recordID string, action model.Action, payload []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.enqueueTx(ctx, tx, table, recordID, action, payload)
	})
}

// enqueueTx is the transaction-scoped enqueue used by the record mutation
// methods so record write and queue append commit together.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, table, recordID string, action model.Action, payload []byte) error {
	var id int64
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT id, action FROM sync_queue
		WHERE table_name = ? AND record_id = ?
		ORDER BY id DESC LIMIT 1`, table, recordID,
	).Scan(&id, &existing)

	switch {
	case err == sql.ErrNoRows:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (table_name, record_id, action, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			table, recordID, string(action), payload, formatTime(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("enqueuing %s %s/%s: %w", action, table, recordID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("looking up queued op for %s/%s: %w", table, recordID, err)
	}

	next := supersede(model.Action(existing), action)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET action = ?, payload = ? WHERE id = ?`,
		string(next), payload, id,
	); err != nil {
		return fmt.Errorf("superseding queued op %d: %w", id, err)
	}
	return nil
}

// supersede resolves the action kept when a new mutation lands on a record
// that already has a queued item.
func supersede(existing, incoming model.Action) model.Action {
	switch {
	case existing == model.ActionDelete:
		// Never regress a delete.
		return model.ActionDelete
	case incoming == model.ActionDelete:
		return model.ActionDelete
	case existing == model.ActionCreate:
		// The record has no server identity yet; the first remote call
		// must still be a create, just with the freshest payload.
		return model.ActionCreate
	default:
		return incoming
	}
}

// DequeueOrdered returns all pending items sorted so every reports item
// precedes every expenses item, ties broken by insertion order. This is the
// whole parent-before-child dependency mechanism: a report create always
// runs before the creates of expenses referencing it.
func (s *Store) DequeueOrdered(ctx context.Context) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, action, payload, attempts, last_error, created_at
		FROM sync_queue
		ORDER BY CASE table_name WHEN 'reports' THEN 0 ELSE 1 END, id`)
	if err != nil {
		return nil, fmt.Errorf("querying sync queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*QueueItem
	for rows.Next() {
		var it QueueItem
		var action, created string
		if err := rows.Scan(&it.ID, &it.Table, &it.RecordID, &action,
			&it.Payload, &it.Attempts, &it.LastError, &created); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		it.Action = model.Action(action)
		it.CreatedAt, _ = parseTime(created)
		items = append(items, &it)
	}
	return items, rows.Err()
}

// Remove deletes a queue item, either after confirmed remote success or
// after it exhausted its attempt budget.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing queue item %d: %w", id, err)
	}
	return nil
}

// MarkAttempt increments the item's attempt counter, records the failure
// message, and returns the new attempt count so the caller can apply the
// attempt bound.
func (s *Store) MarkAttempt(ctx context.Context, id int64, errMsg string) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		errMsg, id,
	); err != nil {
		return 0, fmt.Errorf("marking attempt on queue item %d: %w", id, err)
	}

	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM sync_queue WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("reading attempts of queue item %d: %w", id, err)
	}
	return attempts, nil
}

// CleanupDuplicates removes create items that violate the at-most-one
// (table, record_id, create) invariant, keeping the newest payload. The
// pass is idempotent and defensive: Enqueue already maintains the
// invariant, but a crash between historic versions of the app may have
// left duplicates behind.
func (s *Store) CleanupDuplicates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE action = 'create' AND id NOT IN (
		    SELECT MAX(id) FROM sync_queue WHERE action = 'create'
		    GROUP BY table_name, record_id
		)`)
	if err != nil {
		return fmt.Errorf("cleaning up duplicate creates: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue items: %w", err)
	}
	return n, nil
}

// HasPending reports whether any operation is still queued for the given
// record.
func (s *Store) HasPending(ctx context.Context, table, recordID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE table_name = ? AND record_id = ?`,
		table, recordID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("checking queued ops for %s/%s: %w", table, recordID, err)
	}
	return n > 0, nil
}
