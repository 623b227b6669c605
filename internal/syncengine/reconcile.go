// Package syncengine reconciles the locally mutated dataset against the
// hosted row store. One reconciliation pass prepares and fingerprints the
// local set, fetches the remote counterparts in bounded batches, classifies
// every record as insert / unchanged / update / conflict, and drives batched,
// retried upserts. Record-level problems (validation failures, conflicts)
// are accumulated into the result; only whole-operation failures are
// returned as errors.
package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ymori/kakeibo-sync/internal/domain"
	"github.com/ymori/kakeibo-sync/internal/logger"
)

// Options bounds the batching and retry behavior of one reconciliation pass.
type Options struct {
	// InsertBatchSize bounds one insert request.
	InsertBatchSize int
	// LargeBatchThreshold is the write count above which the caller must
	// confirm before any write happens, and above which execution is paced
	// in chunks.
	LargeBatchThreshold int
	// ChunkPause is the courtesy pause between large-run chunks.
	ChunkPause time.Duration
	// RetryAttempts caps attempts per network operation.
	RetryAttempts int
	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration
	// CallTimeout bounds a single network call.
	CallTimeout time.Duration
}

// DefaultOptions returns the production batching parameters.
func DefaultOptions() Options {
	return Options{
		InsertBatchSize:     10,
		LargeBatchThreshold: 500,
		ChunkPause:          500 * time.Millisecond,
		RetryAttempts:       3,
		RetryBaseDelay:      500 * time.Millisecond,
		CallTimeout:         30 * time.Second,
	}
}

// TxUpdate is one pending transaction update with the CAS precondition
// observed at fetch time.
type TxUpdate struct {
	Tx       domain.Transaction
	Hash     string
	Expected time.Time
}

// RuleUpdate is the rule analog of TxUpdate.
type RuleUpdate struct {
	Rule     domain.Rule
	Hash     string
	Expected time.Time
}

// Conflict reports a record whose remote counterpart was edited after the
// local copy last saw it. The default policy is skip; the caller may confirm
// an overwrite per id and re-execute.
type Conflict struct {
	ID              string
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
}

// Plan is the computed diff of one reconciliation pass. No writes have
// happened yet when a Plan is returned, so a caller facing a large batch can
// still walk away at zero cost.
type Plan struct {
	TxInserts   []domain.Transaction
	TxUpdates   []TxUpdate
	TxConflicts []Conflict
	TxUnchanged int

	RuleInserts   []domain.Rule
	RuleUpdates   []RuleUpdate
	RuleConflicts []Conflict
	RuleUnchanged int

	// Invalid lists records rejected during preparation, by id.
	Invalid []domain.RecordError

	// LargeBatch is set when the write count exceeds the confirmation
	// threshold; Execute refuses to write until Decisions.ConfirmLarge.
	LargeBatch bool

	txHashes         map[string]string
	ruleHashes       map[string]string
	txConflictByID   map[string]TxUpdate
	ruleConflictByID map[string]RuleUpdate
}

// WriteCount is the number of records a plain Execute would write, conflicts
// excluded.
func (p *Plan) WriteCount() int {
	return len(p.TxInserts) + len(p.TxUpdates) + len(p.RuleInserts) + len(p.RuleUpdates)
}

// Decisions carries the caller's answers to the two questions a plan can
// pose: proceed with a large batch, and which conflicts to overwrite.
// The zero value is the safe default: cancel large batches, skip conflicts.
type Decisions struct {
	ConfirmLarge   bool
	OverwriteTx    map[string]bool
	OverwriteRules map[string]bool
}

// Result summarizes one reconciliation attempt.
type Result struct {
	Inserted         int
	Updated          int
	SkippedUnchanged int
	Conflicts        int
	Failed           int
	Invalid          int

	// Cancelled marks a large batch declined before any write; a normal,
	// non-error termination.
	Cancelled bool

	ConflictIDs []string
	InvalidIDs  []string
	FailedIDs   []string

	// FailedOp names the operation class that exhausted its retries
	// ("insert" or "update"); Failure carries the terminal error.
	FailedOp string
	Failure  error
}

// Success reports whether the attempt completed with nothing left behind.
func (r *Result) Success() bool {
	return !r.Cancelled && r.Failed == 0
}

// Reconciler drives reconciliation for one owner against one remote store.
type Reconciler struct {
	remote  RemoteStore
	ownerID string
	opts    Options
	now     func() time.Time
	retry   retryPolicy
	pause   func(context.Context, time.Duration) error
}

// NewReconciler builds a reconciler. The remote store is injected; callers
// in local mode simply never construct one.
func NewReconciler(remote RemoteStore, ownerID string, opts Options) *Reconciler {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = DefaultOptions().InsertBatchSize
	}
	if opts.LargeBatchThreshold <= 0 {
		opts.LargeBatchThreshold = DefaultOptions().LargeBatchThreshold
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultOptions().RetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}
	return &Reconciler{
		remote:  remote,
		ownerID: ownerID,
		opts:    opts,
		now:     time.Now,
		retry:   newRetryPolicy(opts.RetryAttempts, opts.RetryBaseDelay, opts.CallTimeout),
		pause:   sleepCtx,
	}
}

// Plan prepares the local set, fetches the remote snapshot and computes the
// three-way classification. It performs reads only.
func (r *Reconciler) Plan(ctx context.Context, txs []domain.Transaction, ruleSet []domain.Rule) (*Plan, error) {
	log := logger.FromContext(ctx)

	plan := &Plan{
		txHashes:         make(map[string]string),
		ruleHashes:       make(map[string]string),
		txConflictByID:   make(map[string]TxUpdate),
		ruleConflictByID: make(map[string]RuleUpdate),
	}

	prepared, existingIDs := r.prepareTransactions(txs, plan)
	preparedRules, existingRuleIDs := r.prepareRules(ruleSet, plan)

	remoteTxs := map[string]RemoteTransaction{}
	if len(existingIDs) > 0 {
		err := r.retry.do(ctx, "fetch remote transactions", func(ctx context.Context) error {
			var err error
			remoteTxs, err = r.remote.FetchTransactionsByIDs(ctx, existingIDs)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	remoteRules := map[string]RemoteRule{}
	if len(existingRuleIDs) > 0 {
		err := r.retry.do(ctx, "fetch remote rules", func(ctx context.Context) error {
			var err error
			remoteRules, err = r.remote.FetchRulesByIDs(ctx, existingRuleIDs)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	for _, t := range prepared {
		hash := plan.txHashes[t.ID]
		remote, ok := remoteTxs[t.ID]
		switch {
		case !ok:
			plan.TxInserts = append(plan.TxInserts, t)
		case hash == remote.Hash:
			plan.TxUnchanged++
		case t.UpdatedAt.IsZero() || !t.UpdatedAt.Before(remote.UpdatedAt):
			plan.TxUpdates = append(plan.TxUpdates, TxUpdate{Tx: t, Hash: hash, Expected: remote.UpdatedAt})
		default:
			plan.TxConflicts = append(plan.TxConflicts, Conflict{
				ID: t.ID, LocalUpdatedAt: t.UpdatedAt, RemoteUpdatedAt: remote.UpdatedAt,
			})
			plan.txConflictByID[t.ID] = TxUpdate{Tx: t, Hash: hash, Expected: remote.UpdatedAt}
		}
	}

	for _, rule := range preparedRules {
		hash := plan.ruleHashes[rule.ID]
		remote, ok := remoteRules[rule.ID]
		switch {
		case !ok:
			plan.RuleInserts = append(plan.RuleInserts, rule)
		case hash == remote.Hash:
			plan.RuleUnchanged++
		case rule.UpdatedAt.IsZero() || !rule.UpdatedAt.Before(remote.UpdatedAt):
			plan.RuleUpdates = append(plan.RuleUpdates, RuleUpdate{Rule: rule, Hash: hash, Expected: remote.UpdatedAt})
		default:
			plan.RuleConflicts = append(plan.RuleConflicts, Conflict{
				ID: rule.ID, LocalUpdatedAt: rule.UpdatedAt, RemoteUpdatedAt: remote.UpdatedAt,
			})
			plan.ruleConflictByID[rule.ID] = RuleUpdate{Rule: rule, Hash: hash, Expected: remote.UpdatedAt}
		}
	}

	plan.LargeBatch = plan.WriteCount() > r.opts.LargeBatchThreshold

	log.Debug().
		Int("inserts", len(plan.TxInserts)+len(plan.RuleInserts)).
		Int("updates", len(plan.TxUpdates)+len(plan.RuleUpdates)).
		Int("unchanged", plan.TxUnchanged+plan.RuleUnchanged).
		Int("conflicts", len(plan.TxConflicts)+len(plan.RuleConflicts)).
		Int("invalid", len(plan.Invalid)).
		Bool("large_batch", plan.LargeBatch).
		Msg("Reconciliation plan computed")
	return plan, nil
}

// prepareTransactions normalizes sync input: ids assigned where missing,
// future dates clamped to today, invalid records set aside by id. Hashes are
// computed after clamping so the fingerprint matches what will be written.
func (r *Reconciler) prepareTransactions(txs []domain.Transaction, plan *Plan) ([]domain.Transaction, []string) {
	today := dateOnly(r.now())

	prepared := make([]domain.Transaction, 0, len(txs))
	var existingIDs []string
	for _, t := range txs {
		if err := t.Validate(); err != nil {
			plan.Invalid = append(plan.Invalid, domain.RecordError{ID: t.ID, Err: err})
			continue
		}
		hadID := t.ID != ""
		if !hadID {
			t.ID = uuid.NewString()
		}
		if t.Date.After(today) {
			t.Date = today
		}
		plan.txHashes[t.ID] = domain.ContentHash(r.ownerID, t)
		prepared = append(prepared, t)
		if hadID {
			existingIDs = append(existingIDs, t.ID)
		}
	}
	return prepared, existingIDs
}

func (r *Reconciler) prepareRules(ruleSet []domain.Rule, plan *Plan) ([]domain.Rule, []string) {
	prepared := make([]domain.Rule, 0, len(ruleSet))
	var existingIDs []string
	for _, rule := range ruleSet {
		if rule.Pattern == "" {
			continue
		}
		hadID := rule.ID != ""
		if !hadID {
			rule.ID = uuid.NewString()
		}
		plan.ruleHashes[rule.ID] = domain.RuleContentHash(r.ownerID, rule)
		prepared = append(prepared, rule)
		if hadID {
			existingIDs = append(existingIDs, rule.ID)
		}
	}
	return prepared, existingIDs
}

// Execute performs the plan's writes. Inserts go out in bounded sub-batches;
// updates go one at a time under a CAS precondition, where zero affected
// rows is surfaced as a conflict rather than treated as success. A batch
// that exhausts its retries stops processing; the result reports what
// already succeeded.
func (r *Reconciler) Execute(ctx context.Context, plan *Plan, decisions Decisions) (*Result, error) {
	log := logger.FromContext(ctx)

	result := &Result{
		SkippedUnchanged: plan.TxUnchanged + plan.RuleUnchanged,
		Invalid:          len(plan.Invalid),
	}
	for _, bad := range plan.Invalid {
		result.InvalidIDs = append(result.InvalidIDs, bad.ID)
	}

	txUpdates, ruleUpdates := r.promoteOverwrites(plan, decisions, result)

	total := len(plan.TxInserts) + len(plan.RuleInserts) + len(txUpdates) + len(ruleUpdates)
	if total == 0 {
		return result, nil
	}
	if total > r.opts.LargeBatchThreshold && !decisions.ConfirmLarge {
		result.Cancelled = true
		log.Info().Int("writes", total).Msg("Large batch declined before any writes")
		return result, nil
	}

	paced := total > r.opts.LargeBatchThreshold
	var processed int
	step := func(ctx context.Context, n int) error {
		if !paced {
			return nil
		}
		before := processed / r.opts.LargeBatchThreshold
		processed += n
		if processed/r.opts.LargeBatchThreshold > before && r.opts.ChunkPause > 0 {
			return r.pause(ctx, r.opts.ChunkPause)
		}
		return nil
	}

	// Inserts first, in sub-batches.
	for start := 0; start < len(plan.TxInserts); start += r.opts.InsertBatchSize {
		end := start + r.opts.InsertBatchSize
		if end > len(plan.TxInserts) {
			end = len(plan.TxInserts)
		}
		batch := plan.TxInserts[start:end]
		err := r.retry.do(ctx, "insert transactions", func(ctx context.Context) error {
			return r.remote.InsertTransactions(ctx, batch, plan.txHashes)
		})
		if err != nil {
			return r.failBatch(ctx, result, "insert", batch, err)
		}
		result.Inserted += len(batch)
		if err := step(ctx, len(batch)); err != nil {
			return result, err
		}
	}
	for start := 0; start < len(plan.RuleInserts); start += r.opts.InsertBatchSize {
		end := start + r.opts.InsertBatchSize
		if end > len(plan.RuleInserts) {
			end = len(plan.RuleInserts)
		}
		batch := plan.RuleInserts[start:end]
		err := r.retry.do(ctx, "insert rules", func(ctx context.Context) error {
			return r.remote.InsertRules(ctx, batch, plan.ruleHashes)
		})
		if err != nil {
			return r.failBatchRules(ctx, result, batch, err)
		}
		result.Inserted += len(batch)
		if err := step(ctx, len(batch)); err != nil {
			return result, err
		}
	}

	// Updates one at a time under the CAS precondition.
	for _, u := range txUpdates {
		var applied bool
		err := r.retry.do(ctx, "update transaction", func(ctx context.Context) error {
			var err error
			applied, err = r.remote.UpdateTransaction(ctx, u.Tx, u.Hash, u.Expected)
			return err
		})
		if err != nil {
			return r.failBatch(ctx, result, "update", []domain.Transaction{u.Tx}, err)
		}
		if !applied {
			result.Conflicts++
			result.ConflictIDs = append(result.ConflictIDs, u.Tx.ID)
			log.Warn().Str("id", u.Tx.ID).Msg("Update matched zero rows, remote changed since fetch")
		} else {
			result.Updated++
		}
		if err := step(ctx, 1); err != nil {
			return result, err
		}
	}
	for _, u := range ruleUpdates {
		var applied bool
		err := r.retry.do(ctx, "update rule", func(ctx context.Context) error {
			var err error
			applied, err = r.remote.UpdateRule(ctx, u.Rule, u.Hash, u.Expected)
			return err
		})
		if err != nil {
			result.FailedOp = "update"
			result.Failure = err
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, u.Rule.ID)
			return r.finishFailed(ctx, result, err)
		}
		if !applied {
			result.Conflicts++
			result.ConflictIDs = append(result.ConflictIDs, u.Rule.ID)
		} else {
			result.Updated++
		}
		if err := step(ctx, 1); err != nil {
			return result, err
		}
	}

	return result, nil
}

// Reconcile is Plan followed by Execute with the given decisions.
func (r *Reconciler) Reconcile(ctx context.Context, txs []domain.Transaction, ruleSet []domain.Rule, decisions Decisions) (*Result, error) {
	plan, err := r.Plan(ctx, txs, ruleSet)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, plan, decisions)
}

// promoteOverwrites turns caller-confirmed conflicts into updates and counts
// the rest as skipped conflicts.
func (r *Reconciler) promoteOverwrites(plan *Plan, decisions Decisions, result *Result) ([]TxUpdate, []RuleUpdate) {
	txUpdates := append([]TxUpdate(nil), plan.TxUpdates...)
	for _, c := range plan.TxConflicts {
		if decisions.OverwriteTx[c.ID] {
			txUpdates = append(txUpdates, plan.txConflictByID[c.ID])
			continue
		}
		result.Conflicts++
		result.ConflictIDs = append(result.ConflictIDs, c.ID)
	}
	ruleUpdates := append([]RuleUpdate(nil), plan.RuleUpdates...)
	for _, c := range plan.RuleConflicts {
		if decisions.OverwriteRules[c.ID] {
			ruleUpdates = append(ruleUpdates, plan.ruleConflictByID[c.ID])
			continue
		}
		result.Conflicts++
		result.ConflictIDs = append(result.ConflictIDs, c.ID)
	}
	return txUpdates, ruleUpdates
}

func (r *Reconciler) failBatch(ctx context.Context, result *Result, op string, batch []domain.Transaction, err error) (*Result, error) {
	result.FailedOp = op
	result.Failure = err
	result.Failed += len(batch)
	for _, t := range batch {
		result.FailedIDs = append(result.FailedIDs, t.ID)
	}
	return r.finishFailed(ctx, result, err)
}

func (r *Reconciler) failBatchRules(ctx context.Context, result *Result, batch []domain.Rule, err error) (*Result, error) {
	result.FailedOp = "insert"
	result.Failure = err
	result.Failed += len(batch)
	for _, rule := range batch {
		result.FailedIDs = append(result.FailedIDs, rule.ID)
	}
	return r.finishFailed(ctx, result, err)
}

// finishFailed decides whether the terminal error is reported through the
// result (batch failure after retries) or also raised (payload rejected,
// retrying is futile without a fix).
func (r *Reconciler) finishFailed(ctx context.Context, result *Result, err error) (*Result, error) {
	log := logger.FromContext(ctx)
	log.Error().
		Err(err).
		Str("op", result.FailedOp).
		Int("failed", result.Failed).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Msg("Stopping after batch failure, partial completion reported")

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return result, schemaErr
	}
	return result, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
