package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/gateway"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/netmon"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/store"
)

const (
	otelScope     = "expensesyncd/sync"
	spanDrain     = "sync.drain"
	metricSynced  = "expensesyncd.sync.items.synced"
	metricFailed  = "expensesyncd.sync.items.failed"
	metricDropped = "expensesyncd.sync.items.dropped"
	metricRuns    = "expensesyncd.sync.runs"
)

// maxAttempts bounds how many failed attempts a queue item may accumulate
// before it is removed regardless of outcome.
const maxAttempts = 5

// onlineDebounce collapses a burst of connectivity transitions into a
// single triggered run.
const onlineDebounce = 2 * time.Second

// ErrOffline is returned by [Engine.ForceSyncNow] when the device has no
// connectivity.
var ErrOffline = errors.New("device is offline")

// Sentinel errors for the dependency taxonomy. Both stay on the queue item
// and are retried; parent-missing can never heal by itself, parent-unsynced
// heals as soon as an earlier queue position creates the parent remotely.
var (
	errParentMissing  = errors.New("parent report missing")
	errParentUnsynced = errors.New("parent report not yet synced")
	errNotYetSynced   = errors.New("record has no server identity yet")
)

// Engine drains the sync queue against the remote gateway. It is not
// reentrant: a run already in progress makes any concurrent trigger a
// no-op, never a queued second run. Create one with [NewEngine]; the
// periodic schedule runs via [Engine.Run].
type Engine struct {
	store    LocalStore
	queue    Queue
	gw       Gateway
	net      Network
	stats    *Publisher
	interval time.Duration
	log      *slog.Logger

	// running is the Idle/Running state machine: checked-and-set at the top
	// of every drain.
	running atomic.Bool

	mu      gosync.Mutex
	trigger *time.Timer

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntSynced  metric.Int64Counter
	cntFailed  metric.Int64Counter
	cntDropped metric.Int64Counter
	cntRuns    metric.Int64Counter
}

// NewEngine creates an Engine wired to the given collaborators. stats may
// be shared with UI consumers that subscribed before the engine starts.
func NewEngine(localStore LocalStore, queue Queue, gw Gateway, net Network, stats *Publisher, interval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:    localStore,
		queue:    queue,
		gw:       gw,
		net:      net,
		stats:    stats,
		interval: interval,
		log:      logger,

		tracer:     tracer,
		cntSynced:  mustCounter(metricSynced, "Queue items confirmed by the remote"),
		cntFailed:  mustCounter(metricFailed, "Queue item attempts that failed"),
		cntDropped: mustCounter(metricDropped, "Queue items removed at the attempt bound"),
		cntRuns:    mustCounter(metricRuns, "Completed drain runs"),
	}
}

// IsRunning reports whether a drain is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// RunOnce performs a single drain of the queue. Offline, or with a run
// already in progress, it is a no-op returning the last published stats.
// The returned error covers infrastructure failures only; per-item
// failures are swallowed and surfaced through [Stats].
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	if !e.net.IsOnline() {
		return e.stats.Last(), nil
	}
	if !e.running.CompareAndSwap(false, true) {
		return e.stats.Last(), nil
	}
	defer e.running.Store(false)

	return e.drain(ctx)
}

// ForceSyncNow is the caller-awaited out-of-band run, used for "sync now"
// user actions. Unlike [Engine.RunOnce] it fails loudly when offline.
func (e *Engine) ForceSyncNow(ctx context.Context) (Stats, error) {
	if !e.net.IsOnline() {
		return e.stats.Last(), ErrOffline
	}
	return e.RunOnce(ctx)
}

// Run starts the periodic schedule and the online-transition trigger. It
// blocks until ctx is cancelled. The ticker fires a run only when the
// queue is non-empty; a transition to online triggers one debounced run.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.net.Subscribe(func(s netmon.State) {
		if s.IsOnline() {
			e.triggerDebounced(ctx)
		}
	})
	defer unsubscribe()

	// Immediate first pass picks up whatever queued while the app was gone.
	if _, err := e.RunOnce(ctx); err != nil {
		e.log.Error("initial sync run failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			e.stopTrigger()
			return ctx.Err()
		case <-ticker.C:
			n, err := e.queue.PendingCount(ctx)
			if err != nil {
				e.log.Error("reading queue length", "error", err)
				continue
			}
			if n == 0 {
				continue
			}
			if _, err := e.RunOnce(ctx); err != nil {
				e.log.Error("scheduled sync run failed", "error", err)
			}
		}
	}
}

// triggerDebounced schedules a run shortly after an online transition.
// Repeated transitions within the window reset the timer.
func (e *Engine) triggerDebounced(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trigger != nil {
		e.trigger.Stop()
	}
	e.trigger = time.AfterFunc(onlineDebounce, func() {
		if _, err := e.RunOnce(ctx); err != nil {
			e.log.Error("online-triggered sync run failed", "error", err)
		}
	})
}

func (e *Engine) stopTrigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trigger != nil {
		e.trigger.Stop()
		e.trigger = nil
	}
}

// drain attempts every queued item in dependency order: reports before
// expenses, insertion order within each. Draining is sequential by design;
// the ordering is the whole parent-before-child guarantee and needs no
// dependency graph.
func (e *Engine) drain(ctx context.Context) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanDrain)
	defer span.End()

	if err := e.queue.CleanupDuplicates(ctx); err != nil {
		return e.stats.Last(), fmt.Errorf("queue cleanup: %w", err)
	}

	items, err := e.queue.DequeueOrdered(ctx)
	if err != nil {
		return e.stats.Last(), fmt.Errorf("reading queue: %w", err)
	}

	var synced, failed, dropped int
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}

		err := e.syncItem(ctx, it)
		switch {
		case err == nil:
			if rmErr := e.queue.Remove(ctx, it.ID); rmErr != nil {
				e.log.Error("removing confirmed queue item", "id", it.ID, "error", rmErr)
			}
			synced++

		case errors.Is(err, gateway.ErrUnreachable):
			// Connectivity died mid-run: no attempt was made remotely, the
			// item stays untouched, and the rest of the drain is pointless.
			e.log.Warn("connectivity lost during drain, stopping",
				"id", it.ID, "error", err)

		case gateway.IsPermanent(err):
			// Retrying an identical payload cannot succeed. Drop the item
			// now instead of burning five runs, and flag the record so the
			// user has something to act on.
			e.log.Warn("remote rejected item permanently, dropping",
				"id", it.ID, "table", it.Table, "record", it.RecordID,
				"action", it.Action, "error", err)
			if rmErr := e.queue.Remove(ctx, it.ID); rmErr != nil {
				e.log.Error("removing rejected queue item", "id", it.ID, "error", rmErr)
			}
			if it.Action != model.ActionDelete {
				_ = e.store.SetRecordStatus(ctx, it.Table, it.RecordID, model.StatusError)
			}
			failed++
			dropped++

		default:
			failed++
			attempts, markErr := e.queue.MarkAttempt(ctx, it.ID, err.Error())
			if markErr != nil {
				e.log.Error("recording failed attempt", "id", it.ID, "error", markErr)
				continue
			}
			e.log.Warn("sync attempt failed",
				"id", it.ID, "table", it.Table, "record", it.RecordID,
				"action", it.Action, "attempts", attempts, "error", err)
			if attempts >= maxAttempts {
				// Removed regardless of outcome; the record keeps its local
				// state and is only retried if a new mutation re-enqueues it.
				e.log.Warn("attempt budget exhausted, dropping item",
					"id", it.ID, "table", it.Table, "record", it.RecordID)
				if rmErr := e.queue.Remove(ctx, it.ID); rmErr != nil {
					e.log.Error("removing exhausted queue item", "id", it.ID, "error", rmErr)
				}
				dropped++
			}
		}

		if errors.Is(err, gateway.ErrUnreachable) {
			break
		}
	}

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		e.log.Error("reading queue length after drain", "error", err)
	}

	s := Stats{
		Pending:  pending,
		Running:  false,
		Errors:   failed,
		LastSync: time.Now().UTC(),
	}
	e.stats.Publish(s)

	e.cntRuns.Add(ctx, 1)
	if synced > 0 {
		e.cntSynced.Add(ctx, int64(synced))
	}
	if failed > 0 {
		e.cntFailed.Add(ctx, int64(failed))
	}
	if dropped > 0 {
		e.cntDropped.Add(ctx, int64(dropped))
	}
	span.SetAttributes(
		attribute.Int("sync.synced", synced),
		attribute.Int("sync.failed", failed),
		attribute.Int("sync.dropped", dropped),
		attribute.Int("sync.pending", pending),
	)

	e.log.Info("drain complete",
		"synced", synced, "failed", failed, "dropped", dropped, "pending", pending)
	return s, nil
}

// syncItem routes one queue item to its per-entity sync path.
func (e *Engine) syncItem(ctx context.Context, it *store.QueueItem) error {
	switch it.Table {
	case model.TableReports:
		return e.syncReport(ctx, it)
	case model.TableExpenses:
		return e.syncExpense(ctx, it)
	}
	return fmt.Errorf("unknown queue table %q", it.Table)
}

// syncReport replays a report operation. A create for a record that
// already holds a server identity is a no-op success: replaying it must
// never produce a second remote create.
func (e *Engine) syncReport(ctx context.Context, it *store.QueueItem) error {
	rec, err := e.store.GetReport(ctx, it.RecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Record vanished locally; the queued operation has nothing left to
		// act on. Confirmed deletes arrive here too when the row was already
		// removed.
		return nil
	}

	switch it.Action {
	case model.ActionCreate:
		if rec.ServerID != "" {
			// Stale create replayed after a crash. The remote side already
			// knows this record; just settle the local status.
			return e.store.ApplyServerIdentity(ctx, model.TableReports, rec.LocalID, "", "")
		}
		p, err := model.DecodeReportPayload(it.Payload)
		if err != nil {
			return err
		}
		serverID, err := e.gw.CreateReport(ctx, p)
		if err != nil {
			return err
		}
		return e.store.ApplyServerIdentity(ctx, model.TableReports, rec.LocalID, serverID, "")

	case model.ActionUpdate:
		if rec.ServerID == "" {
			return fmt.Errorf("report %s: %w", rec.LocalID, errNotYetSynced)
		}
		p, err := model.DecodeReportPayload(it.Payload)
		if err != nil {
			return err
		}
		if err := e.gw.UpdateReport(ctx, rec.ServerID, p); err != nil {
			return err
		}
		return e.store.ApplyServerIdentity(ctx, model.TableReports, rec.LocalID, "", "")

	case model.ActionDelete:
		if rec.ServerID == "" {
			return fmt.Errorf("report %s: %w", rec.LocalID, errNotYetSynced)
		}
		if err := e.gw.DeleteReport(ctx, rec.ServerID); err != nil && !isGone(err) {
			return err
		}
		return e.store.RemoveRecord(ctx, model.TableReports, rec.LocalID)
	}
	return fmt.Errorf("unknown queue action %q", it.Action)
}

// syncExpense replays an expense operation. The parent report is fetched
// fresh before any remote call: in the common case its server identity was
// assigned earlier in this very run, at an earlier queue position.
func (e *Engine) syncExpense(ctx context.Context, it *store.QueueItem) error {
	rec, err := e.store.GetExpense(ctx, it.RecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	switch it.Action {
	case model.ActionCreate:
		if rec.ServerID != "" {
			return e.store.ApplyServerIdentity(ctx, model.TableExpenses, rec.LocalID, "", "")
		}
		parent, err := e.parentOf(ctx, rec)
		if err != nil {
			return err
		}
		p, err := model.DecodeExpensePayload(it.Payload)
		if err != nil {
			return err
		}
		res, err := e.gw.CreateExpense(ctx, parent.ServerID, p)
		if err != nil {
			return err
		}
		return e.store.ApplyServerIdentity(ctx, model.TableExpenses, rec.LocalID, res.ServerID, res.ReceiptURL)

	case model.ActionUpdate:
		if rec.ServerID == "" {
			return fmt.Errorf("expense %s: %w", rec.LocalID, errNotYetSynced)
		}
		if _, err := e.parentOf(ctx, rec); err != nil {
			return err
		}
		p, err := model.DecodeExpensePayload(it.Payload)
		if err != nil {
			return err
		}
		res, err := e.gw.UpdateExpense(ctx, rec.ServerID, p)
		if err != nil {
			return err
		}
		return e.store.ApplyServerIdentity(ctx, model.TableExpenses, rec.LocalID, "", res.ReceiptURL)

	case model.ActionDelete:
		if rec.ServerID == "" {
			return fmt.Errorf("expense %s: %w", rec.LocalID, errNotYetSynced)
		}
		if err := e.gw.DeleteExpense(ctx, rec.ServerID); err != nil && !isGone(err) {
			return err
		}
		return e.store.RemoveRecord(ctx, model.TableExpenses, rec.LocalID)
	}
	return fmt.Errorf("unknown queue action %q", it.Action)
}

// parentOf resolves an expense's parent report and enforces the dependency
// invariant: a missing parent is fatal for the item, an unsynced parent is
// recoverable because queue ordering attempts the parent first.
func (e *Engine) parentOf(ctx context.Context, rec *model.Expense) (*model.Report, error) {
	parent, err := e.store.GetReport(ctx, rec.ReportLocalID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("expense %s: %w", rec.LocalID, errParentMissing)
	}
	if parent.ServerID == "" {
		return nil, fmt.Errorf("expense %s: %w", rec.LocalID, errParentUnsynced)
	}
	return parent, nil
}

// isGone reports whether a remote delete failed only because the record is
// already absent remotely, which is success for our purposes.
func isGone(err error) bool {
	var re *gateway.Error
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}
