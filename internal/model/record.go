// Package model defines the domain records and queue vocabulary shared
// between the local store, the sync engine, and the remote gateway.
package model

import "time"

// SyncStatus tracks where a record stands relative to the remote authority.
type SyncStatus string

const (
	// StatusPending marks a record with local changes not yet confirmed remotely.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks a record whose last mutation completed a remote round-trip.
	StatusSynced SyncStatus = "synced"
	// StatusError marks a record whose last sync attempt failed non-fatally.
	// Further attempts are still possible; the failure detail lives on the
	// queue item, not the record.
	StatusError SyncStatus = "error"
)

func (s SyncStatus) String() string { return string(s) }

// Action is the remote operation a queue item replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Table names used by queue items to route to the per-entity sync path.
const (
	TableReports  = "reports"
	TableExpenses = "expenses"
)

// Report is an expense report. It is the parent entity: expenses reference
// it by LocalID and may not be created remotely before the report has a
// ServerID.
type Report struct {
	// LocalID is the client-generated primary key. It is assigned once by
	// the store and never reassigned.
	LocalID string

	// ServerID is the identity assigned by the remote authority on first
	// successful create. Empty until then, set exactly once.
	ServerID string

	Title   string
	Purpose string

	SyncStatus SyncStatus
	UpdatedAt  time.Time
}

// Expense is a single line item belonging to a Report. An optional receipt
// image (produced by the capture/OCR layer, out of scope here) travels with
// the create/update call as a file path resolved at send time.
type Expense struct {
	LocalID  string
	ServerID string

	// ReportLocalID references the parent Report's LocalID. It must resolve
	// to an existing report; the expense may not be marked synced while the
	// parent lacks a ServerID.
	ReportLocalID string

	Merchant    string
	Category    string
	AmountCents int64
	Currency    string
	Incurred    time.Time

	// ReceiptPath is the on-device path of the captured receipt image,
	// empty when no receipt is attached.
	ReceiptPath string

	// ReceiptURL is the remote asset URL assigned by the server once the
	// receipt image has been uploaded.
	ReceiptURL string

	SyncStatus SyncStatus
	UpdatedAt  time.Time
}
