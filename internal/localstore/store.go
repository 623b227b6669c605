// Package localstore is the local persistence surface: a small key-value
// table holding the serialized transaction set, rule set, category list and
// sync metadata. It is deliberately dumb storage; all interpretation of the
// stored shapes happens through the domain normalization boundary.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

const (
	keyTransactions = "transactions"
	keyRules        = "rules"
	keyCategories   = "categories"
	keyAutoSync     = "auto_sync"
	keyLastSyncAt   = "last_sync_at"
	keyLastImportAt = "last_import_at"
)

// Store is a SQLite-backed key-value store. Reads and writes are synchronous
// and serialized; reconciliation takes a Snapshot so an in-flight sync never
// races with later local edits.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Snapshot is a consistent copy of the syncable local dataset taken at one
// point in time. Local edits made after the snapshot belong to the next sync
// cycle, not the one in flight.
type Snapshot struct {
	Transactions []domain.Transaction
	Rules        []domain.Rule
	Categories   []string
	Invalid      []domain.RecordError
	TakenAt      time.Time
}

// Open opens (creating if needed) the local store at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_ts TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transactions loads the stored transaction set through the normalization
// boundary. Records that no longer parse are returned separately by id.
func (s *Store) Transactions() ([]domain.Transaction, []domain.RecordError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionsLocked()
}

func (s *Store) transactionsLocked() ([]domain.Transaction, []domain.RecordError, error) {
	raw, ok, err := s.get(keyTransactions)
	if err != nil || !ok {
		return nil, nil, err
	}
	var raws []domain.RawTransaction
	if err := json.Unmarshal([]byte(raw), &raws); err != nil {
		return nil, nil, fmt.Errorf("localstore: decode transactions: %w", err)
	}
	txs, bad := domain.NormalizeTransactions(raws)
	return txs, bad, nil
}

// SaveTransactions replaces the stored transaction set.
func (s *Store) SaveTransactions(txs []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyTransactions, encodeTransactions(txs))
}

// Rules loads the stored rule set.
func (s *Store) Rules() ([]domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rulesLocked()
}

func (s *Store) rulesLocked() ([]domain.Rule, error) {
	raw, ok, err := s.get(keyRules)
	if err != nil || !ok {
		return nil, err
	}
	var raws []domain.RawRule
	if err := json.Unmarshal([]byte(raw), &raws); err != nil {
		return nil, fmt.Errorf("localstore: decode rules: %w", err)
	}
	return domain.NormalizeRules(raws), nil
}

// SaveRules replaces the stored rule set.
func (s *Store) SaveRules(ruleSet []domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyRules, encodeRules(ruleSet))
}

// Categories loads the stored category list.
func (s *Store) Categories() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.categoriesLocked()
}

func (s *Store) categoriesLocked() ([]string, error) {
	raw, ok, err := s.get(keyCategories)
	if err != nil || !ok {
		return nil, err
	}
	var cats []string
	if err := json.Unmarshal([]byte(raw), &cats); err != nil {
		return nil, fmt.Errorf("localstore: decode categories: %w", err)
	}
	return cats, nil
}

// SaveCategories replaces the stored category list.
func (s *Store) SaveCategories(categories []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("localstore: encode categories: %w", err)
	}
	return s.put(keyCategories, string(data))
}

// AutoSync returns the persisted auto-sync preference. On by default.
func (s *Store) AutoSync() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.get(keyAutoSync)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true, nil
	}
	return v, nil
}

// SetAutoSync persists the auto-sync preference.
func (s *Store) SetAutoSync(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyAutoSync, strconv.FormatBool(enabled))
}

// LastSyncAt returns the timestamp of the last successful sync, zero if none.
func (s *Store) LastSyncAt() (time.Time, error) {
	return s.timeValue(keyLastSyncAt)
}

// SetLastSyncAt records the time of a successful sync.
func (s *Store) SetLastSyncAt(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyLastSyncAt, ts.UTC().Format(time.RFC3339))
}

// LastImportAt returns the timestamp of the last CSV import, zero if none.
func (s *Store) LastImportAt() (time.Time, error) {
	return s.timeValue(keyLastImportAt)
}

// SetLastImportAt records the time of the last import.
func (s *Store) SetLastImportAt(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyLastImportAt, ts.UTC().Format(time.RFC3339))
}

// Snapshot returns a consistent copy of the full syncable dataset.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs, bad, err := s.transactionsLocked()
	if err != nil {
		return nil, err
	}
	ruleSet, err := s.rulesLocked()
	if err != nil {
		return nil, err
	}
	cats, err := s.categoriesLocked()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Transactions: txs,
		Rules:        ruleSet,
		Categories:   cats,
		Invalid:      bad,
		TakenAt:      time.Now(),
	}, nil
}

// LoadForSync returns the syncable dataset for a reconciliation pass.
func (s *Store) LoadForSync() ([]domain.Transaction, []domain.Rule, []domain.RecordError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs, bad, err := s.transactionsLocked()
	if err != nil {
		return nil, nil, nil, err
	}
	ruleSet, err := s.rulesLocked()
	if err != nil {
		return nil, nil, nil, err
	}
	return txs, ruleSet, bad, nil
}

// ReplaceSynced atomically overwrites transactions and rules with the remote
// set. The local category list is not synced and stays as it is.
func (s *Store) ReplaceSynced(txs []domain.Transaction, ruleSet []domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range map[string]string{
		keyTransactions: encodeTransactions(txs),
		keyRules:        encodeRules(ruleSet),
	} {
		if _, err := tx.Exec(
			`INSERT INTO kv(key, value, updated_ts) VALUES(?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts`,
			key, value, now,
		); err != nil {
			return fmt.Errorf("localstore: replace %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ReplaceAll atomically overwrites transactions, rules and categories. Used
// by pull, where the remote is the authority and local state is discarded.
func (s *Store) ReplaceAll(txs []domain.Transaction, ruleSet []domain.Rule, categories []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catData, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("localstore: encode categories: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range map[string]string{
		keyTransactions: encodeTransactions(txs),
		keyRules:        encodeRules(ruleSet),
		keyCategories:   string(catData),
	} {
		if _, err := tx.Exec(
			`INSERT INTO kv(key, value, updated_ts) VALUES(?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts`,
			key, value, now,
		); err != nil {
			return fmt.Errorf("localstore: replace %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ExportJSON serializes the whole dataset into one document, used for the
// pre-pull backup snapshot.
func (s *Store) ExportJSON() ([]byte, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"exported_at":  snap.TakenAt.UTC().Format(time.RFC3339),
		"transactions": json.RawMessage(encodeTransactions(snap.Transactions)),
		"rules":        json.RawMessage(encodeRules(snap.Rules)),
		"categories":   snap.Categories,
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (s *Store) timeValue(key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.get(key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return ts, nil
}

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv(key, value, updated_ts) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("localstore: put %s: %w", key, err)
	}
	return nil
}
