// Package sync implements the offline-first sync engine: it drains the
// durable operation queue against the remote expense API, owns the
// running/idle state machine and retry bookkeeping, and enforces the
// parent-before-child ordering between reports and their expenses.
//
// The package contains two main components:
//
//   - [Engine] runs the drain loop, the periodic schedule, and the
//     debounced online-transition trigger.
//   - [Publisher] fans observable sync stats out to UI subscribers.
package sync

import (
	"context"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/gateway"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/netmon"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/store"
)

// LocalStore provides the record reads and side-channel writebacks the
// engine needs. Implemented by [store.Store]. Writebacks bypass the public
// mutation API so a sync confirmation never enqueues a new operation.
type LocalStore interface {
	GetReport(ctx context.Context, localID string) (*model.Report, error)
	GetExpense(ctx context.Context, localID string) (*model.Expense, error)
	ApplyServerIdentity(ctx context.Context, table, localID, serverID, receiptURL string) error
	SetRecordStatus(ctx context.Context, table, localID string, status model.SyncStatus) error
	RemoveRecord(ctx context.Context, table, localID string) error
}

// Queue provides access to the durable operation queue.
// Implemented by [store.Store].
type Queue interface {
	DequeueOrdered(ctx context.Context) ([]*store.QueueItem, error)
	Remove(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64, errMsg string) (int, error)
	CleanupDuplicates(ctx context.Context) error
	PendingCount(ctx context.Context) (int, error)
}

// Gateway performs the remote operations. Implemented by [gateway.Client].
// Every method returns either success or an error the engine classifies;
// nothing is thrown across this boundary.
type Gateway interface {
	CreateReport(ctx context.Context, p *model.ReportPayload) (serverID string, err error)
	UpdateReport(ctx context.Context, serverID string, p *model.ReportPayload) error
	DeleteReport(ctx context.Context, serverID string) error
	CreateExpense(ctx context.Context, reportServerID string, p *model.ExpensePayload) (*gateway.ExpenseResult, error)
	UpdateExpense(ctx context.Context, serverID string, p *model.ExpensePayload) (*gateway.ExpenseResult, error)
	DeleteExpense(ctx context.Context, serverID string) error
}

// Network provides reachability state and transition notifications.
// Implemented by [netmon.Monitor].
type Network interface {
	IsOnline() bool
	Current() netmon.State
	Subscribe(fn func(netmon.State)) (unsubscribe func())
}
