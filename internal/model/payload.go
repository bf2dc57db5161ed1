package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReportPayload is the wire snapshot of a Report taken at enqueue time.
// The queue replays this snapshot, not the live record, so later local
// edits cannot leak into an earlier queued operation.
type ReportPayload struct {
	Title   string `json:"title"`
	Purpose string `json:"purpose,omitempty"`
}

// ExpensePayload is the wire snapshot of an Expense taken at enqueue time.
type ExpensePayload struct {
	ReportLocalID string    `json:"report_local_id"`
	Merchant      string    `json:"merchant"`
	Category      string    `json:"category,omitempty"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	Incurred      time.Time `json:"incurred"`
	ReceiptPath   string    `json:"receipt_path,omitempty"`
}

// SnapshotReport serializes the report's remote-visible fields.
func SnapshotReport(r *Report) ([]byte, error) {
	b, err := json.Marshal(ReportPayload{Title: r.Title, Purpose: r.Purpose})
	if err != nil {
		return nil, fmt.Errorf("snapshotting report %q: %w", r.LocalID, err)
	}
	return b, nil
}

// SnapshotExpense serializes the expense's remote-visible fields.
func SnapshotExpense(e *Expense) ([]byte, error) {
	b, err := json.Marshal(ExpensePayload{
		ReportLocalID: e.ReportLocalID,
		Merchant:      e.Merchant,
		Category:      e.Category,
		AmountCents:   e.AmountCents,
		Currency:      e.Currency,
		Incurred:      e.Incurred,
		ReceiptPath:   e.ReceiptPath,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting expense %q: %w", e.LocalID, err)
	}
	return b, nil
}

// DecodeReportPayload parses a queue item payload for the reports table.
func DecodeReportPayload(raw []byte) (*ReportPayload, error) {
	var p ReportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding report payload: %w", err)
	}
	return &p, nil
}

// DecodeExpensePayload parses a queue item payload for the expenses table.
func DecodeExpensePayload(raw []byte) (*ExpensePayload, error) {
	var p ExpensePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding expense payload: %w", err)
	}
	return &p, nil
}
