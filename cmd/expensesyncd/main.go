// Expensesyncd keeps an offline-first expense tracker reconciled with its
// remote API. Local mutations land in SQLite together with a queued replay
// operation; this daemon drains that queue whenever connectivity allows.
//
// Usage:
//
//	expensesyncd daemon [--config <path>] [--verbose]   # periodic sync loop
//	expensesyncd sync-once [--config <path>]            # one forced drain, then exit
//	expensesyncd status                                 # show config & queue state
//	expensesyncd version                                # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/config"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/gateway"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/netmon"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/store"
	syncp "github.com/Matteo7S/expense-tracker-app-sub001/internal/sync"
	"github.com/Matteo7S/expense-tracker-app-sub001/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "version":
		fmt.Println("expensesyncd", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'expensesyncd' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "expensesyncd — offline-first expense sync daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  expensesyncd daemon [--config ...]     Run the periodic sync loop")
	fmt.Fprintln(os.Stderr, "  expensesyncd sync-once [--config ...]  Force a single drain, then exit")
	fmt.Fprintln(os.Stderr, "  expensesyncd status                    Show config & queue state")
	fmt.Fprintln(os.Stderr, "  expensesyncd version                   Print version")
	os.Exit(1)
	return nil // unreachable
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"api_url", cfg.APIURL,
		"sync_interval", cfg.SyncInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Local store ---------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving database path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening local store at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing local store", "error", closeErr)
		}
	}()
	logger.Info("local store opened", "path", dbPath)

	// --- Wiring --------------------------------------------------------------

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	gw := gateway.NewClient(cfg.APIURL, cfg.APIToken, logger)
	monitor := netmon.New(netmon.HTTPProbe(cfg.ProbeURL, 10*time.Second), cfg.ProbeInterval, logger)
	stats := syncp.NewPublisher()
	engine := syncp.NewEngine(st, st, gw, monitor, stats, cfg.SyncInterval, logger)

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		// One probe so ForceSyncNow can tell offline from online.
		monitor.SetState(netmon.HTTPProbe(cfg.ProbeURL, 10*time.Second)(ctx))

		s, err := engine.ForceSyncNow(ctx)
		if errors.Is(err, syncp.ErrOffline) {
			return fmt.Errorf("cannot sync now: %w", err)
		}
		logger.Info("sync complete",
			"pending", s.Pending,
			"errors", s.Errors,
			"last_sync", s.LastSync,
		)
		return err
	}

	logger.Info("daemon starting", "sync_interval", cfg.SyncInterval)
	go func() {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("network monitor stopped", "error", err)
		}
	}()
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStatus prints the current configuration and queue state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("expensesyncd status")
	fmt.Println("───────────────────")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config:   %s (%v)\n", cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:   %s ✓\n", cfgPath)
	fmt.Printf("  API URL:  %s\n", cfg.APIURL)
	fmt.Printf("  Interval: %s\n", cfg.SyncInterval)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving database path: %w", err)
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("  Store:    not found")
		return nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening local store at %q: %w", dbPath, err)
	}
	defer func() { _ = st.Close() }()

	totals, err := st.CountTotals(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("  Store:    %s\n", dbPath)
	fmt.Printf("  Reports:  %d\n", totals.Reports)
	fmt.Printf("  Expenses: %d\n", totals.Expenses)
	fmt.Printf("  Queued:   %d\n", totals.Queued)
	return nil
}
