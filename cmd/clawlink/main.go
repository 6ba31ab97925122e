// Command clawlink runs the session relay: the WebSocket gateway that
// lets paired devices drive long-running coding-agent sessions remotely.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/gateway"
	otelPkg "github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/pairing"
	"github.com/basket/clawlink/internal/permission"
	"github.com/basket/clawlink/internal/persistence"
	"github.com/basket/clawlink/internal/runtime"
	"github.com/basket/clawlink/internal/session"
	"github.com/basket/clawlink/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `clawlink - remote session relay

Usage:
  %s                 run the relay
  %s pair new        issue a one-time pairing token
  %s pair devices    list paired devices
  %s help            show this help

Flags:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "pair":
			os.Exit(runPairCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "clawlink.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()
	sessions := session.NewManager(session.Config{
		RingCapacity: cfg.RingCapacity,
		StopTimeout:  cfg.StopTimeout(),
		Bus:          eventBus,
		Store:        store,
		Runtime:      runtime.NewEcho(50*time.Millisecond, logger),
		Logger:       logger,
		Metrics:      metrics,
	})
	gate := permission.NewGate(sessions, cfg.PermissionTimeout(), logger, metrics)

	auth, err := pairing.NewService(ctx, store, logger)
	if err != nil {
		fatalStartup(logger, "E_PAIRING_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Sessions:          sessions,
		Gate:              gate,
		Auth:              auth,
		Bus:               eventBus,
		Store:             store,
		Logger:            logger,
		Metrics:           metrics,
		WorkspaceID:       cfg.WorkspaceID,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		PairingTTL:        cfg.PairingTTL(),
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}

	var snapshotter *session.Snapshotter
	if cfg.SnapshotSchedule != "" {
		snapshotter, err = session.NewSnapshotter(sessions, cfg.SnapshotSchedule, logger)
		if err != nil {
			fatalStartup(logger, "E_SNAPSHOT_SCHEDULE", err)
		}
		snapshotter.Start(ctx)
		defer snapshotter.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", "addr", cfg.ListenAddr, "workspace_id", cfg.WorkspaceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-watcher.Events():
				if !ok {
					return nil
				}
				next, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "path", ev.Path, "error", err)
					continue
				}
				if next.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config changed on disk; restart to apply",
						"old_fingerprint", cfg.Fingerprint(), "new_fingerprint", next.Fingerprint())
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// runPairCommand handles "pair new" and "pair devices" without starting
// the relay; it opens the same database the relay uses.
func runPairCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: clawlink pair <new|devices>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "clawlink.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		return 1
	}
	defer store.Close()

	discard := slog.New(slog.DiscardHandler)
	svc, err := pairing.NewService(ctx, store, discard)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init pairing:", err)
		return 1
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "new":
		token, err := svc.IssuePairingToken(ctx, cfg.PairingTTL())
		if err != nil {
			fmt.Fprintln(os.Stderr, "issue token:", err)
			return 1
		}
		if isatty.IsTerminal(os.Stdout.Fd()) {
			fmt.Printf("Pairing token (valid %s, single use):\n\n  %s\n\nPOST it to /pair as {\"pairingToken\": ...} to receive a device token.\n",
				cfg.PairingTTL(), token)
		} else {
			fmt.Println(token)
		}
		return 0
	case "devices":
		devices, err := store.ListDevices(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list devices:", err)
			return 1
		}
		if len(devices) == 0 {
			fmt.Println("no paired devices")
			return 0
		}
		for _, d := range devices {
			fmt.Printf("%s  %s  paired %s\n", d.ID, d.Name, d.CreatedAt.Format(time.RFC3339))
		}
		return 0
	default:
		fmt.Fprintln(os.Stderr, "usage: clawlink pair <new|devices>")
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "clawlink: startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
