package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ymori/kakeibo-sync/internal/backup"
	"github.com/ymori/kakeibo-sync/internal/config"
	"github.com/ymori/kakeibo-sync/internal/infra/bigquery"
	"github.com/ymori/kakeibo-sync/internal/localstore"
	"github.com/ymori/kakeibo-sync/internal/logger"
	"github.com/ymori/kakeibo-sync/internal/syncengine"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	startDateStr := flag.String("start-date", "", "Start date in YYYY-MM-DD format (optional)")
	endDateStr := flag.String("end-date", "", "End date in YYYY-MM-DD format (optional)")
	skipBackup := flag.Bool("skip-backup", false, "Skip the pre-pull snapshot upload")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if !cfg.RemoteEnabled() {
		log.Fatal().Msg("Error: remote.project_id and remote.owner_id must be configured to pull")
	}

	var startDate, endDate time.Time
	if *startDateStr != "" {
		startDate, err = time.Parse("2006-01-02", *startDateStr)
		if err != nil {
			log.Fatal().Err(err).Str("start_date", *startDateStr).Msg("Error: invalid start-date format, expected YYYY-MM-DD")
		}
	}
	if *endDateStr != "" {
		endDate, err = time.Parse("2006-01-02", *endDateStr)
		if err != nil {
			log.Fatal().Err(err).Str("end_date", *endDateStr).Msg("Error: invalid end-date format, expected YYYY-MM-DD")
		}
	}
	if !startDate.IsZero() && !endDate.IsZero() && endDate.Before(startDate) {
		log.Fatal().
			Time("start_date", startDate).
			Time("end_date", endDate).
			Msg("Error: end-date must be after start-date")
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

	// Pull overwrites local state; snapshot it first unless told not to.
	if !*skipBackup {
		if cfg.Backup.Bucket == "" {
			log.Fatal().Msg("Error: backup.bucket is not configured; pass --skip-backup to pull without a snapshot")
		}
		uploader := backup.NewUploader(cfg.Backup.Bucket, cfg.Backup.Prefix)
		object, err := uploader.Snapshot(ctx, store)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to upload pre-pull snapshot")
		}
		log.Info().Str("object", object).Msg("Pre-pull snapshot uploaded")
	}

	remote, err := bigquery.NewLedgerStore(ctx, cfg.Remote.ProjectID, cfg.Remote.DatasetID, cfg.Remote.OwnerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize remote store")
	}
	defer remote.Close()

	orch := syncengine.NewOrchestrator(store, nil, remote, cfg.Sync.Debounce)
	if err := orch.PullFromRemote(ctx, startDate, endDate); err != nil {
		log.Fatal().Err(err).Msg("Pull failed")
	}

	txs, _, err := store.Transactions()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read pulled transactions")
	}
	ruleSet, err := store.Rules()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read pulled rules")
	}

	fmt.Printf("Pull completed: %d transactions, %d rules.\n", len(txs), len(ruleSet))
}
