package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ymori/kakeibo-sync/internal/config"
	"github.com/ymori/kakeibo-sync/internal/localstore"
	"github.com/ymori/kakeibo-sync/internal/logger"
	"github.com/ymori/kakeibo-sync/internal/suggest"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	save := flag.Bool("save", false, "Append suggested rules to the local rule set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	store, err := localstore.Open(cfg.Local.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Local.DBPath).Msg("Failed to open local store")
	}
	defer store.Close()

	snap, err := store.Snapshot()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read local dataset")
	}
	if len(snap.Categories) == 0 {
		log.Fatal().Msg("Error: no categories defined; suggestions need a category list to choose from")
	}

	suggester := suggest.New(cfg.LLM.Model)
	suggested, err := suggester.Suggest(ctx, snap.Transactions, snap.Categories)
	if err != nil {
		log.Fatal().Err(err).Msg("Suggestion failed")
	}
	if len(suggested) == 0 {
		fmt.Println("No suggestions: every transaction is already categorized or no pattern was found.")
		return
	}

	type printedRule struct {
		Pattern  string `json:"pattern"`
		Mode     string `json:"mode"`
		Target   string `json:"target"`
		Kind     string `json:"kind"`
		Category string `json:"category"`
		Flags    string `json:"flags,omitempty"`
	}
	printed := make([]printedRule, 0, len(suggested))
	for _, r := range suggested {
		printed = append(printed, printedRule{
			Pattern:  r.Pattern,
			Mode:     string(r.Mode),
			Target:   r.Target,
			Kind:     string(r.Kind),
			Category: r.Category,
			Flags:    r.Flags,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(printed); err != nil {
		log.Fatal().Err(err).Msg("Failed to print suggestions")
	}

	if *save {
		if err := store.SaveRules(append(snap.Rules, suggested...)); err != nil {
			log.Fatal().Err(err).Msg("Failed to save suggested rules")
		}
		fmt.Printf("Saved %d suggested rules.\n", len(suggested))
	}
}
