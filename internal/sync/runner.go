// Package sync drives reconciliation runs for stored pairings and
// watches their local roots for changes.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/skysync/internal/engine"
	"github.com/alexjbarnes/skysync/internal/scan"
	"github.com/alexjbarnes/skysync/internal/skyerr"
	"github.com/alexjbarnes/skysync/internal/store"
	"github.com/alexjbarnes/skysync/internal/task"
)

// pairingStore is the subset of *store.Store the runner needs.
type pairingStore interface {
	GetPairing(id string) (store.SyncPairing, error)
	ListPairings() (map[string]store.SyncPairing, error)
}

// Runner executes one reconciliation per pairing per invocation: scan
// the local root, crawl the remote folder, reconcile, let the scheduler
// carry the transfers.
type Runner struct {
	pairings pairingStore
	resolver task.AdapterResolver
	scanner  *scan.Scanner
	crawler  *scan.Crawler
	engine   *engine.Engine
	logger   *slog.Logger
}

func NewRunner(pairings pairingStore, resolver task.AdapterResolver, scanner *scan.Scanner, crawler *scan.Crawler, eng *engine.Engine, logger *slog.Logger) *Runner {
	return &Runner{
		pairings: pairings,
		resolver: resolver,
		scanner:  scanner,
		crawler:  crawler,
		engine:   eng,
		logger:   logger,
	}
}

// RunPairing performs one sync run for a pairing in the given
// direction. Run-level preconditions (missing pairing, missing local
// root, unreachable destination) fail the run; per-item problems are
// aggregated into the summary.
func (r *Runner) RunPairing(ctx context.Context, pairingID string, direction engine.Direction) (engine.Summary, error) {
	pairing, err := r.pairings.GetPairing(pairingID)
	if err != nil {
		return engine.Summary{}, err
	}

	return r.run(ctx, pairing, direction)
}

func (r *Runner) run(ctx context.Context, pairing store.SyncPairing, direction engine.Direction) (engine.Summary, error) {
	local, err := r.scanner.Scan(pairing.LocalRoot)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("scanning %s: %w", pairing.LocalRoot, err)
	}

	adapter, err := r.resolver.Adapter(pairing.RemoteAccountID)
	if err != nil {
		return engine.Summary{}, err
	}

	remote, err := r.crawler.Crawl(ctx, adapter, pairing.RemoteFolderID)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("crawling remote folder %s: %w: %w", pairing.RemoteFolderID, skyerr.ErrDestUnreachable, err)
	}

	var source, dest []engine.Entry

	if direction == engine.LocalToRemote {
		source = engine.FromLocal(local)
		dest = engine.FromRemote(remote)
	} else {
		source = engine.FromRemote(remote)
		dest = engine.FromLocal(local)
	}

	summary, err := r.engine.Reconcile(ctx, direction, source, dest, pairing)
	if err != nil {
		return summary, err
	}

	r.logger.Info("sync run finished",
		slog.String("pairing", pairing.ID),
		slog.String("direction", string(direction)),
		slog.Int("processed", summary.Processed),
		slog.Int("failed", summary.Failed),
	)

	return summary, nil
}

// RunAll runs every stored pairing once. A failed run is logged and
// counted; it never blocks the remaining pairings.
func (r *Runner) RunAll(ctx context.Context, direction engine.Direction) (engine.Summary, error) {
	pairings, err := r.pairings.ListPairings()
	if err != nil {
		return engine.Summary{}, fmt.Errorf("listing pairings: %w", err)
	}

	ids := make([]string, 0, len(pairings))
	for id := range pairings {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	var total engine.Summary

	for _, id := range ids {
		pairing := pairings[id]

		if err := ctx.Err(); err != nil {
			return total, err
		}

		summary, err := r.run(ctx, pairing, direction)

		total.Processed += summary.Processed
		total.Failed += summary.Failed

		if err != nil {
			r.logger.Warn("sync run failed",
				slog.String("pairing", pairing.ID),
				slog.String("error", err.Error()),
			)
			total.Failed++
		}
	}

	return total, nil
}
