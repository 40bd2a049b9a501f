package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/skysync/internal/cloud"
	"github.com/alexjbarnes/skysync/internal/cloud/rest"
	"github.com/alexjbarnes/skysync/internal/config"
	"github.com/alexjbarnes/skysync/internal/engine"
	"github.com/alexjbarnes/skysync/internal/logging"
	"github.com/alexjbarnes/skysync/internal/relay"
	"github.com/alexjbarnes/skysync/internal/scan"
	"github.com/alexjbarnes/skysync/internal/skyerr"
	"github.com/alexjbarnes/skysync/internal/store"
	syncer "github.com/alexjbarnes/skysync/internal/sync"
	"github.com/alexjbarnes/skysync/internal/task"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("skysync starting",
		slog.String("version", Version),
		slog.Bool("watch", cfg.EnableWatch),
		slog.Bool("relay", cfg.EnableRelay),
		slog.String("state_dir", cfg.StateDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenAt(filepath.Join(cfg.StateDir, "skysync.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := cloud.NewRegistry()

	if err := applySeed(cfg, st, registry, logger); err != nil {
		return err
	}

	limits, err := st.Limits()
	if err != nil {
		return fmt.Errorf("loading concurrency limits: %w", err)
	}

	exec := task.NewIOExec(registry, logging.ForComponent(logger, "executor"))

	sched, err := task.NewScheduler(limits, exec, st, logging.ForComponent(logger, "scheduler"))
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	sched.Start(ctx)
	defer sched.Stop()

	runner := syncer.NewRunner(
		st,
		registry,
		scan.NewScanner(logging.ForComponent(logger, "scanner")),
		scan.NewCrawler(logging.ForComponent(logger, "crawler")),
		engine.New(registry, sched, logging.ForComponent(logger, "engine")),
		logging.ForComponent(logger, "sync"),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Watchers push into a 1-deep channel; a run already pending
	// absorbs further triggers.
	trigger := make(chan struct{}, 1)

	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	g.Go(func() error {
		return syncLoop(gctx, cfg, runner, trigger, logger)
	})

	if cfg.EnableWatch {
		pairings, err := st.ListPairings()
		if err != nil {
			return fmt.Errorf("listing pairings: %w", err)
		}

		for _, pairing := range pairings {
			w := syncer.NewWatcher(pairing.LocalRoot, cfg.WatchDebounce, notify, logging.ForComponent(logger, "watcher"))

			g.Go(func() error {
				return w.Watch(gctx)
			})
		}
	}

	if cfg.EnableRelay {
		g.Go(func() error {
			return runRelay(gctx, cfg, sched, logger)
		})
	}

	return g.Wait()
}

// applySeed registers the seed file's accounts and stores any pairings
// not already present. Stored pairings win over the seed so runtime
// edits survive restarts.
func applySeed(cfg *config.Config, st *store.Store, registry *cloud.Registry, logger *slog.Logger) error {
	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		return fmt.Errorf("loading seed: %w", err)
	}

	accounts := make(map[string]config.Account, len(seed.Accounts))

	for _, account := range seed.Accounts {
		registry.Register(account.ID, rest.NewClient(account.BaseURL, account.Token, nil))
		accounts[account.ID] = account

		logger.Info("registered account",
			slog.String("id", account.ID),
			slog.String("provider", account.Provider),
		)
	}

	for _, p := range seed.Pairings {
		if _, err := st.GetPairing(p.ID); err == nil {
			continue
		} else if !errors.Is(err, skyerr.ErrPairingNotFound) {
			return fmt.Errorf("checking pairing %s: %w", p.ID, err)
		}

		account := accounts[p.RemoteAccountID]

		if err := st.SavePairing(store.SyncPairing{
			ID:                 p.ID,
			Name:               p.Name,
			LocalRoot:          p.LocalRoot,
			RemoteAccountID:    p.RemoteAccountID,
			RemoteAccountEmail: account.Email,
			RemoteProvider:     account.Provider,
			RemoteFolderID:     p.RemoteFolderID,
			RemoteFolderPath:   p.RemoteFolderPath,
			CreatedAt:          time.Now(),
		}); err != nil {
			return fmt.Errorf("saving pairing %s: %w", p.ID, err)
		}

		logger.Info("seeded pairing", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

// syncLoop runs all pairings at startup, then again on every watcher
// trigger and on the periodic interval.
func syncLoop(ctx context.Context, cfg *config.Config, runner *syncer.Runner, trigger <-chan struct{}, logger *slog.Logger) error {
	runAll := func() {
		summary, err := runner.RunAll(ctx, engine.LocalToRemote)
		if err != nil {
			logger.Warn("sync pass failed", slog.String("error", err.Error()))
			return
		}

		logger.Info("sync pass complete",
			slog.Int("processed", summary.Processed),
			slog.Int("failed", summary.Failed),
		)
	}

	runAll()

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			runAll()

		case <-trigger:
			runAll()
		}
	}
}

// runRelay serves the websocket status endpoint until the context ends.
func runRelay(ctx context.Context, cfg *config.Config, sched *task.Scheduler, logger *slog.Logger) error {
	users, err := cfg.ParseRelayUsers()
	if err != nil {
		return fmt.Errorf("parsing relay users: %w", err)
	}

	relayLogger := logging.ForComponent(logger, "relay")

	srv, err := relay.NewServer(sched, users, relayLogger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.RelayListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	relayLogger.Info("starting relay",
		slog.String("listen", cfg.RelayListenAddr),
		slog.Int("users", len(users)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		relayLogger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server error: %w", err)
	}

	return nil
}
