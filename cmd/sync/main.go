package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ymori/kakeibo-sync/internal/config"
	"github.com/ymori/kakeibo-sync/internal/infra/bigquery"
	"github.com/ymori/kakeibo-sync/internal/localstore"
	"github.com/ymori/kakeibo-sync/internal/logger"
	"github.com/ymori/kakeibo-sync/internal/rules"
	"github.com/ymori/kakeibo-sync/internal/syncengine"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	applyRules := flag.Bool("apply-rules", false, "Apply categorization rules to local transactions before syncing")
	confirmLarge := flag.Bool("yes", false, "Proceed with large batches without confirmation")
	overwrite := flag.Bool("overwrite-conflicts", false, "Overwrite remote records that changed since the last sync")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if !cfg.RemoteEnabled() {
		log.Fatal().Msg("Error: remote.project_id and remote.owner_id must be configured to sync")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	store, err := localstore.Open(cfg.Local.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Local.DBPath).Msg("Failed to open local store")
	}
	defer store.Close()

	if *applyRules {
		if err := applyLocalRules(store); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply rules")
		}
	}

	remote, err := bigquery.NewLedgerStore(ctx, cfg.Remote.ProjectID, cfg.Remote.DatasetID, cfg.Remote.OwnerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize remote store")
	}
	defer remote.Close()

	rec := syncengine.NewReconciler(remote, cfg.Remote.OwnerID, syncengine.DefaultOptions())
	orch := syncengine.NewOrchestrator(store, rec, remote, cfg.Sync.Debounce)
	orch.SetDecider(func(plan *syncengine.Plan) syncengine.Decisions {
		d := syncengine.Decisions{ConfirmLarge: *confirmLarge}
		if *overwrite {
			d.OverwriteTx = map[string]bool{}
			for _, c := range plan.TxConflicts {
				d.OverwriteTx[c.ID] = true
			}
			d.OverwriteRules = map[string]bool{}
			for _, c := range plan.RuleConflicts {
				d.OverwriteRules[c.ID] = true
			}
		}
		return d
	})

	log.Info().
		Str("project", cfg.Remote.ProjectID).
		Str("dataset", cfg.Remote.DatasetID).
		Msg("Starting sync")

	ok, err := orch.SyncNow(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	res := orch.LastResult()
	if res == nil {
		log.Fatal().Msg("Sync produced no result")
	}
	if res.Cancelled {
		log.Fatal().Msg("Large batch declined; re-run with --yes to proceed")
	}

	fmt.Printf("Sync completed: %d inserted, %d updated, %d unchanged, %d conflicts, %d failed, %d invalid.\n",
		res.Inserted, res.Updated, res.SkippedUnchanged, res.Conflicts, res.Failed, res.Invalid)
	for _, id := range res.ConflictIDs {
		fmt.Printf("  conflict: %s (re-run with --overwrite-conflicts to push the local copy)\n", id)
	}
	for _, id := range res.InvalidIDs {
		fmt.Printf("  invalid: %s\n", id)
	}
	if !ok {
		log.Fatal().Err(res.Failure).Msg("Sync finished with failures")
	}
}

// applyLocalRules runs the rule engine over the local transactions and saves
// the categorized result before it is synced.
func applyLocalRules(store *localstore.Store) error {
	snap, err := store.Snapshot()
	if err != nil {
		return fmt.Errorf("applyLocalRules: snapshot: %w", err)
	}
	categorized := rules.Apply(snap.Transactions, snap.Rules)
	if err := store.SaveTransactions(categorized); err != nil {
		return fmt.Errorf("applyLocalRules: save: %w", err)
	}
	return nil
}
