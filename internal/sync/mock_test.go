package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/gateway"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/netmon"
)

// stubNetwork is a hand-driven Network implementation for tests.
type stubNetwork struct {
	mu    gosync.Mutex
	state netmon.State
	subs  []func(netmon.State)
}

func newStubNetwork(online bool) *stubNetwork {
	n := &stubNetwork{}
	if online {
		n.state = netmon.State{Connected: true, InternetReachable: true}
	}
	return n
}

func (n *stubNetwork) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.IsOnline()
}

func (n *stubNetwork) Current() netmon.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *stubNetwork) Subscribe(fn func(netmon.State)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
	return func() {}
}

func (n *stubNetwork) setOnline(online bool) {
	n.mu.Lock()
	n.state = netmon.State{Connected: online, InternetReachable: online}
	subs := append([]func(netmon.State){}, n.subs...)
	state := n.state
	n.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// stubGateway records calls and fails on demand. Server IDs are assigned
// sequentially: R1, R2, ... for reports and E1, E2, ... for expenses.
type stubGateway struct {
	mu    gosync.Mutex
	calls []string

	nextReport  int
	nextExpense int

	createReportErr  error
	updateReportErr  error
	deleteReportErr  error
	createExpenseErr error
	updateExpenseErr error
	deleteExpenseErr error

	// onCreateReport, when set, runs inside CreateReport before the normal
	// behavior. Used to hold a drain open mid-run.
	onCreateReport func()
}

func newStubGateway() *stubGateway {
	return &stubGateway{}
}

func (g *stubGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *stubGateway) callCount(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *stubGateway) CreateReport(_ context.Context, _ *model.ReportPayload) (string, error) {
	g.record("CreateReport")
	g.mu.Lock()
	hook := g.onCreateReport
	err := g.createReportErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.nextReport++
	id := fmt.Sprintf("R%d", g.nextReport)
	g.mu.Unlock()
	return id, nil
}

func (g *stubGateway) UpdateReport(_ context.Context, _ string, _ *model.ReportPayload) error {
	g.record("UpdateReport")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateReportErr
}

func (g *stubGateway) DeleteReport(_ context.Context, _ string) error {
	g.record("DeleteReport")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deleteReportErr
}

func (g *stubGateway) CreateExpense(_ context.Context, _ string, _ *model.ExpensePayload) (*gateway.ExpenseResult, error) {
	g.record("CreateExpense")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createExpenseErr != nil {
		return nil, g.createExpenseErr
	}
	g.nextExpense++
	return &gateway.ExpenseResult{
		ServerID:   fmt.Sprintf("E%d", g.nextExpense),
		ReceiptURL: fmt.Sprintf("https://cdn.example.com/receipts/E%d.jpg", g.nextExpense),
	}, nil
}

func (g *stubGateway) UpdateExpense(_ context.Context, serverID string, _ *model.ExpensePayload) (*gateway.ExpenseResult, error) {
	g.record("UpdateExpense")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateExpenseErr != nil {
		return nil, g.updateExpenseErr
	}
	return &gateway.ExpenseResult{ServerID: serverID}, nil
}

func (g *stubGateway) DeleteExpense(_ context.Context, _ string) error {
	g.record("DeleteExpense")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deleteExpenseErr
}
