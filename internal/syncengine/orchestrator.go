package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/ymori/kakeibo-sync/internal/domain"
	"github.com/ymori/kakeibo-sync/internal/logger"
)

// State is the externally visible sync status.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePending State = "pending"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Event is a sync lifecycle occurrence.
type Event string

const (
	EventMutated       Event = "mutated"
	EventSyncStarted   Event = "sync_started"
	EventSyncSucceeded Event = "sync_succeeded"
	EventSyncFailed    Event = "sync_failed"
	EventSyncCancelled Event = "sync_cancelled"
	EventLoadStarted   Event = "load_started"
	EventLoadSucceeded Event = "load_succeeded"
	EventLoadFailed    Event = "load_failed"
)

// Transition is the pure state machine: no I/O, no side effects. The effect
// layer below drives it and performs the actual storage and network work.
func Transition(s State, e Event) State {
	switch e {
	case EventMutated:
		// A mutation during an in-flight sync or load belongs to the next
		// cycle; the current state is not disturbed.
		if s == StateSyncing || s == StateLoading {
			return s
		}
		return StatePending
	case EventSyncStarted:
		return StateSyncing
	case EventSyncSucceeded, EventLoadSucceeded:
		return StateSynced
	case EventSyncFailed, EventLoadFailed:
		return StateError
	case EventSyncCancelled:
		// Declining a large batch leaves the local changes still unpushed.
		return StatePending
	case EventLoadStarted:
		return StateLoading
	}
	return s
}

// LocalStore is the orchestrator's view of local persistence.
type LocalStore interface {
	// LoadForSync returns a consistent snapshot of the syncable dataset
	// plus any records that failed normalization, reported by id.
	LoadForSync() ([]domain.Transaction, []domain.Rule, []domain.RecordError, error)
	// ReplaceSynced overwrites local transactions and rules with the
	// remote set. Used by pull; local categories are untouched.
	ReplaceSynced([]domain.Transaction, []domain.Rule) error
	AutoSync() (bool, error)
	SetAutoSync(bool) error
	SetLastSyncAt(time.Time) error
}

// Decider answers a plan's open questions (large-batch confirmation,
// conflict overwrites). A nil Decider takes the safe defaults: cancel large
// batches, skip conflicts.
type Decider func(*Plan) Decisions

// Orchestrator owns sync state for one account: it serializes sync attempts,
// debounces automatic syncs after mutations, and retains a retry entry point
// after failures. All remote work goes through the injected Reconciler and
// RemoteReader; both nil means local mode and no sync is ever scheduled.
type Orchestrator struct {
	local    LocalStore
	rec      *Reconciler
	reader   RemoteReader
	debounce time.Duration
	decide   Decider

	mu       sync.Mutex
	state    State
	inFlight bool
	dirty    bool
	timer    *time.Timer
	lastErr  error
	lastRes  *Result
	subs     map[int]func(State)
	nextSub  int
}

// NewOrchestrator builds an orchestrator. rec and reader may be nil for
// local mode.
func NewOrchestrator(local LocalStore, rec *Reconciler, reader RemoteReader, debounce time.Duration) *Orchestrator {
	return &Orchestrator{
		local:    local,
		rec:      rec,
		reader:   reader,
		debounce: debounce,
		state:    StateIdle,
		subs:     make(map[int]func(State)),
	}
}

// SetDecider installs the callback consulted when a plan needs decisions.
func (o *Orchestrator) SetDecider(d Decider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decide = d
}

// State returns the current sync status.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the error behind the most recent error state, if any.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// LastResult returns the result of the most recent completed sync attempt.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRes
}

// Subscribe registers a status listener and returns its remove function.
// Listeners are invoked outside the orchestrator lock.
func (o *Orchestrator) Subscribe(fn func(State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// NotifyMutation marks the dataset dirty. With auto-sync enabled and a
// remote configured, a debounced sync is scheduled; rapid successive edits
// coalesce into one attempt.
func (o *Orchestrator) NotifyMutation(ctx context.Context) {
	o.mu.Lock()
	if o.inFlight {
		o.dirty = true
		o.mu.Unlock()
		return
	}
	o.setStateLocked(Transition(o.state, EventMutated))

	schedule := o.rec != nil
	if schedule {
		auto, err := o.local.AutoSync()
		schedule = err == nil && auto
	}
	if schedule {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.timer = time.AfterFunc(o.debounce, func() {
			// Detached from the mutating call; a cancelled ctx there must
			// not kill a sync that fires later.
			_, _ = o.SyncNow(context.WithoutCancel(ctx))
		})
	}
	o.mu.Unlock()
	o.notify()
}

// SyncNow runs one reconciliation pass. It returns true when the attempt
// completed with nothing left behind. A second concurrent call returns
// ErrSyncInProgress; in local mode it is a no-op.
func (o *Orchestrator) SyncNow(ctx context.Context) (bool, error) {
	log := logger.FromContext(ctx)

	o.mu.Lock()
	if o.rec == nil {
		o.mu.Unlock()
		return true, nil
	}
	if o.inFlight {
		o.mu.Unlock()
		return false, ErrSyncInProgress
	}
	o.inFlight = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.setStateLocked(Transition(o.state, EventSyncStarted))
	decide := o.decide
	o.mu.Unlock()
	o.notify()

	ok, err := o.runSync(ctx, decide)

	o.mu.Lock()
	o.inFlight = false
	rearm := o.dirty
	o.dirty = false
	o.mu.Unlock()

	if rearm {
		// Edits made while syncing belong to the next cycle.
		o.NotifyMutation(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Sync attempt failed")
	}
	return ok, err
}

func (o *Orchestrator) runSync(ctx context.Context, decide Decider) (bool, error) {
	txs, ruleSet, invalid, err := o.local.LoadForSync()
	if err != nil {
		o.fail(err)
		return false, err
	}
	if len(invalid) > 0 {
		log := logger.FromContext(ctx)
		for _, bad := range invalid {
			log.Warn().Str("id", bad.ID).Err(bad.Err).Msg("Skipping invalid local record")
		}
	}

	plan, err := o.rec.Plan(ctx, txs, ruleSet)
	if err != nil {
		o.fail(err)
		return false, err
	}

	var decisions Decisions
	if decide != nil {
		decisions = decide(plan)
	}

	result, err := o.rec.Execute(ctx, plan, decisions)
	if result != nil {
		// Records rejected at the load boundary are invalid sync input just
		// like records rejected during preparation; both are reported by id.
		for _, bad := range invalid {
			result.Invalid++
			result.InvalidIDs = append(result.InvalidIDs, bad.ID)
		}
	}
	o.mu.Lock()
	o.lastRes = result
	o.mu.Unlock()
	if err != nil {
		o.fail(err)
		return false, err
	}
	if result.Cancelled {
		o.transition(EventSyncCancelled, nil)
		return false, nil
	}
	if !result.Success() {
		o.fail(result.Failure)
		return false, nil
	}

	if err := o.local.SetLastSyncAt(time.Now()); err != nil {
		o.fail(err)
		return false, err
	}
	o.transition(EventSyncSucceeded, nil)
	return true, nil
}

// Retry re-runs the same sync operation after a failure. Safe because
// unchanged records are always skipped by hash comparison; work that already
// succeeded is not redone.
func (o *Orchestrator) Retry(ctx context.Context) (bool, error) {
	return o.SyncNow(ctx)
}

// PullFromRemote replaces local transactions and rules with the remote set.
// This is a full overwrite by design: on manual refresh the remote is the
// authority, and no diff or merge runs. Zero times leave the range open.
func (o *Orchestrator) PullFromRemote(ctx context.Context, from, to time.Time) error {
	o.mu.Lock()
	if o.reader == nil {
		o.mu.Unlock()
		return nil
	}
	if o.inFlight {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.inFlight = true
	o.setStateLocked(Transition(o.state, EventLoadStarted))
	o.mu.Unlock()
	o.notify()

	err := o.runPull(ctx, from, to)

	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) runPull(ctx context.Context, from, to time.Time) error {
	txs, err := o.reader.ListTransactions(ctx, from, to)
	if err != nil {
		o.fail(err)
		return err
	}
	ruleSet, err := o.reader.ListRules(ctx)
	if err != nil {
		o.fail(err)
		return err
	}
	if err := o.local.ReplaceSynced(txs, ruleSet); err != nil {
		o.fail(err)
		return err
	}
	if err := o.local.SetLastSyncAt(time.Now()); err != nil {
		o.fail(err)
		return err
	}
	o.transition(EventLoadSucceeded, nil)
	return nil
}

// SetAutoSync persists the auto-sync preference. Disabling it cancels any
// debounced sync not yet started; an in-flight sync is unaffected.
func (o *Orchestrator) SetAutoSync(enabled bool) error {
	o.mu.Lock()
	if !enabled && o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
	return o.local.SetAutoSync(enabled)
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.lastErr = err
	var ev Event
	if o.state == StateLoading {
		ev = EventLoadFailed
	} else {
		ev = EventSyncFailed
	}
	o.setStateLocked(Transition(o.state, ev))
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) transition(ev Event, err error) {
	o.mu.Lock()
	o.lastErr = err
	o.setStateLocked(Transition(o.state, ev))
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	state := o.state
	fns := make([]func(State), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
