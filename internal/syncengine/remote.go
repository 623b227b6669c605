package syncengine

import (
	"context"
	"time"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

// RemoteTransaction is one remote transaction row as seen by the engine:
// the record itself plus the two columns driving the diff, content hash and
// optimistic-concurrency timestamp.
type RemoteTransaction struct {
	Hash      string
	UpdatedAt time.Time
	Tx        domain.Transaction
}

// RemoteRule is the rule-table analog of RemoteTransaction.
type RemoteRule struct {
	Hash      string
	UpdatedAt time.Time
	Rule      domain.Rule
}

// RemoteStore is the engine's view of the hosted row store. Every operation
// is scoped to one owner by the implementation; no cross-owner rows are ever
// visible. A nil RemoteStore means local mode: the orchestrator simply never
// schedules a sync.
type RemoteStore interface {
	// FetchTransactionsByIDs returns the remote rows for the given ids,
	// keyed by id. Implementations must bound each underlying request
	// (the engine passes arbitrarily many ids).
	FetchTransactionsByIDs(ctx context.Context, ids []string) (map[string]RemoteTransaction, error)

	// InsertTransactions inserts new rows carrying the given content hashes.
	InsertTransactions(ctx context.Context, txs []domain.Transaction, hashes map[string]string) error

	// UpdateTransaction is a compare-and-swap keyed by id, owner and the
	// previously fetched updated_at. It returns false, with no error, when
	// the row changed remotely in the meantime and zero rows were affected.
	UpdateTransaction(ctx context.Context, tx domain.Transaction, hash string, expected time.Time) (bool, error)

	// FetchRulesByIDs, InsertRules and UpdateRule mirror the transaction
	// operations for the rules table.
	FetchRulesByIDs(ctx context.Context, ids []string) (map[string]RemoteRule, error)
	InsertRules(ctx context.Context, ruleSet []domain.Rule, hashes map[string]string) error
	UpdateRule(ctx context.Context, rule domain.Rule, hash string, expected time.Time) (bool, error)
}

// RemoteReader is the pull-side surface: full-set reads used when the caller
// replaces local state with the remote authority.
type RemoteReader interface {
	ListTransactions(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
	ListRules(ctx context.Context) ([]domain.Rule, error)
}
