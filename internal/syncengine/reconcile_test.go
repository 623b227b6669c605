package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type mockRemote struct {
	mu sync.Mutex

	txs   map[string]RemoteTransaction
	rules map[string]RemoteRule

	fetchTxCalls  [][]string
	insertTxSizes []int
	updateTxIDs   []string

	// insertFailures makes the next n InsertTransactions calls return
	// insertErr before the call has any effect.
	insertFailures int
	insertErr      error
	updateErr      error

	// applied overrides the CAS outcome per id; nil means every update
	// matches its row.
	applied func(id string) bool
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		txs:   map[string]RemoteTransaction{},
		rules: map[string]RemoteRule{},
	}
}

func (m *mockRemote) FetchTransactionsByIDs(_ context.Context, ids []string) (map[string]RemoteTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchTxCalls = append(m.fetchTxCalls, append([]string(nil), ids...))
	out := make(map[string]RemoteTransaction)
	for _, id := range ids {
		if row, ok := m.txs[id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (m *mockRemote) InsertTransactions(_ context.Context, txs []domain.Transaction, hashes map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertFailures > 0 {
		m.insertFailures--
		return m.insertErr
	}
	m.insertTxSizes = append(m.insertTxSizes, len(txs))
	for _, t := range txs {
		m.txs[t.ID] = RemoteTransaction{Hash: hashes[t.ID], UpdatedAt: testNow, Tx: t}
	}
	return nil
}

func (m *mockRemote) UpdateTransaction(_ context.Context, tx domain.Transaction, hash string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	m.updateTxIDs = append(m.updateTxIDs, tx.ID)
	if m.applied != nil && !m.applied(tx.ID) {
		return false, nil
	}
	m.txs[tx.ID] = RemoteTransaction{Hash: hash, UpdatedAt: testNow.Add(time.Minute), Tx: tx}
	return true, nil
}

func (m *mockRemote) FetchRulesByIDs(_ context.Context, ids []string) (map[string]RemoteRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]RemoteRule)
	for _, id := range ids {
		if row, ok := m.rules[id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (m *mockRemote) InsertRules(_ context.Context, ruleSet []domain.Rule, hashes map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range ruleSet {
		m.rules[r.ID] = RemoteRule{Hash: hashes[r.ID], UpdatedAt: testNow, Rule: r}
	}
	return nil
}

func (m *mockRemote) UpdateRule(_ context.Context, rule domain.Rule, hash string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied != nil && !m.applied(rule.ID) {
		return false, nil
	}
	m.rules[rule.ID] = RemoteRule{Hash: hash, UpdatedAt: testNow.Add(time.Minute), Rule: rule}
	return true, nil
}

func newTestReconciler(remote RemoteStore, opts Options) *Reconciler {
	r := NewReconciler(remote, "owner-1", opts)
	r.now = func() time.Time { return testNow }
	r.retry.sleep = func(context.Context, time.Duration) error { return nil }
	r.pause = func(context.Context, time.Duration) error { return nil }
	return r
}

func testTx(id string, day int, category string) domain.Transaction {
	return domain.Transaction{
		ID:          id,
		Date:        time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.NewFromInt(-1200),
		Kind:        domain.KindExpense,
		Category:    category,
		Description: "スーパー",
	}
}

func TestPlanClassification(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	fresh := testTx("tx-new", 1, "食費")

	same := testTx("tx-same", 2, "食費")
	remote.txs["tx-same"] = RemoteTransaction{
		Hash:      domain.ContentHash("owner-1", same),
		UpdatedAt: testNow.Add(-time.Hour),
		Tx:        same,
	}

	edited := testTx("tx-edited", 3, "外食")
	edited.UpdatedAt = testNow.Add(-time.Hour)
	older := edited
	older.Category = "食費"
	remote.txs["tx-edited"] = RemoteTransaction{
		Hash:      domain.ContentHash("owner-1", older),
		UpdatedAt: testNow.Add(-time.Hour),
		Tx:        older,
	}

	stale := testTx("tx-stale", 4, "日用品")
	stale.UpdatedAt = testNow.Add(-2 * time.Hour)
	newer := stale
	newer.Category = "交通費"
	remote.txs["tx-stale"] = RemoteTransaction{
		Hash:      domain.ContentHash("owner-1", newer),
		UpdatedAt: testNow.Add(-time.Hour),
		Tx:        newer,
	}

	invalid := domain.Transaction{ID: "tx-bad", Amount: decimal.NewFromInt(100), Kind: domain.KindIncome}

	plan, err := rec.Plan(context.Background(), []domain.Transaction{fresh, same, edited, stale, invalid}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if len(plan.TxInserts) != 1 || plan.TxInserts[0].ID != "tx-new" {
		t.Errorf("inserts = %+v, want only tx-new", plan.TxInserts)
	}
	if plan.TxUnchanged != 1 {
		t.Errorf("unchanged = %d, want 1", plan.TxUnchanged)
	}
	if len(plan.TxUpdates) != 1 || plan.TxUpdates[0].Tx.ID != "tx-edited" {
		t.Errorf("updates = %+v, want only tx-edited", plan.TxUpdates)
	}
	if len(plan.TxConflicts) != 1 || plan.TxConflicts[0].ID != "tx-stale" {
		t.Errorf("conflicts = %+v, want only tx-stale", plan.TxConflicts)
	}
	if len(plan.Invalid) != 1 || plan.Invalid[0].ID != "tx-bad" {
		t.Errorf("invalid = %+v, want only tx-bad", plan.Invalid)
	}
	if plan.TxUpdates[0].Expected != testNow.Add(-time.Hour) {
		t.Errorf("update precondition = %v, want remote updated_at", plan.TxUpdates[0].Expected)
	}
}

func TestPlanAssignsIDsAndClampsFutureDates(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	noID := testTx("", 5, "食費")
	future := testTx("tx-future", 5, "食費")
	future.Date = testNow.AddDate(0, 0, 3)

	plan, err := rec.Plan(context.Background(), []domain.Transaction{noID, future}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.TxInserts) != 2 {
		t.Fatalf("inserts = %d, want 2", len(plan.TxInserts))
	}

	assigned := plan.TxInserts[0]
	if assigned.ID == "" {
		t.Error("missing id was not assigned")
	}
	// A record that never had an id cannot exist remotely; no fetch for it.
	for _, call := range remote.fetchTxCalls {
		for _, id := range call {
			if id == assigned.ID {
				t.Errorf("fetched freshly assigned id %s", id)
			}
		}
	}

	clamped := plan.TxInserts[1]
	today := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if !clamped.Date.Equal(today) {
		t.Errorf("future date = %v, want clamped to %v", clamped.Date, today)
	}
	want := clamped
	if plan.txHashes["tx-future"] != domain.ContentHash("owner-1", want) {
		t.Error("hash was not computed from the clamped record")
	}
}

func TestSecondRunMakesNoWrites(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	txs := []domain.Transaction{testTx("tx-1", 1, "食費"), testTx("tx-2", 2, "日用品")}

	res, err := rec.Reconcile(context.Background(), txs, nil, Decisions{})
	if err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("first run inserted = %d, want 2", res.Inserted)
	}

	plan, err := rec.Plan(context.Background(), txs, nil)
	if err != nil {
		t.Fatalf("second Plan() error = %v", err)
	}
	if plan.WriteCount() != 0 {
		t.Errorf("second run write count = %d, want 0", plan.WriteCount())
	}
	if plan.TxUnchanged != 2 {
		t.Errorf("second run unchanged = %d, want 2", plan.TxUnchanged)
	}
}

func TestExecuteInsertBatching(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	var txs []domain.Transaction
	for i := 0; i < 23; i++ {
		txs = append(txs, testTx("", 1, "食費"))
	}

	res, err := rec.Reconcile(context.Background(), txs, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Inserted != 23 {
		t.Errorf("inserted = %d, want 23", res.Inserted)
	}
	wantSizes := []int{10, 10, 3}
	if len(remote.insertTxSizes) != len(wantSizes) {
		t.Fatalf("insert calls = %v, want sizes %v", remote.insertTxSizes, wantSizes)
	}
	for i, n := range wantSizes {
		if remote.insertTxSizes[i] != n {
			t.Errorf("insert call %d size = %d, want %d", i, remote.insertTxSizes[i], n)
		}
	}
}

func TestExecuteLargeBatchNeedsConfirmation(t *testing.T) {
	opts := DefaultOptions()
	opts.LargeBatchThreshold = 5

	remote := newMockRemote()
	rec := newTestReconciler(remote, opts)

	var txs []domain.Transaction
	for i := 0; i < 8; i++ {
		txs = append(txs, testTx("", 1, "食費"))
	}

	res, err := rec.Reconcile(context.Background(), txs, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !res.Cancelled {
		t.Error("large batch was not cancelled without confirmation")
	}
	if res.Success() {
		t.Error("cancelled run reported success")
	}
	if len(remote.insertTxSizes) != 0 {
		t.Errorf("writes happened before confirmation: %v", remote.insertTxSizes)
	}

	res, err = rec.Reconcile(context.Background(), txs, nil, Decisions{ConfirmLarge: true})
	if err != nil {
		t.Fatalf("confirmed Reconcile() error = %v", err)
	}
	if res.Cancelled || res.Inserted != 8 {
		t.Errorf("confirmed run = %+v, want 8 inserts", res)
	}
}

func TestExecuteLargeConfirmedRunIsPaced(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	var pauses int
	rec.pause = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}

	var txs []domain.Transaction
	for i := 0; i < 1200; i++ {
		txs = append(txs, testTx("", 1, "食費"))
	}

	res, err := rec.Reconcile(context.Background(), txs, nil, Decisions{ConfirmLarge: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Inserted != 1200 || res.Failed != 0 {
		t.Fatalf("result = %+v, want all 1200 inserted", res)
	}
	if len(remote.insertTxSizes) != 120 {
		t.Errorf("insert calls = %d, want 120", len(remote.insertTxSizes))
	}
	for i, n := range remote.insertTxSizes {
		if n > 10 {
			t.Errorf("insert call %d size = %d, want at most 10", i, n)
		}
	}
	// One pause each time another 500 records have gone out.
	if pauses != 2 {
		t.Errorf("pauses = %d, want 2", pauses)
	}
}

func TestExecuteCASMissSurfacesConflict(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	tx := testTx("tx-1", 1, "外食")
	tx.UpdatedAt = testNow.Add(-time.Hour)
	older := tx
	older.Category = "食費"
	remote.txs["tx-1"] = RemoteTransaction{
		Hash:      domain.ContentHash("owner-1", older),
		UpdatedAt: testNow.Add(-time.Hour),
		Tx:        older,
	}
	// The row changes again between fetch and update.
	remote.applied = func(string) bool { return false }

	res, err := rec.Reconcile(context.Background(), []domain.Transaction{tx}, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Updated != 0 || res.Conflicts != 1 {
		t.Errorf("updated = %d, conflicts = %d, want 0 and 1", res.Updated, res.Conflicts)
	}
	if len(res.ConflictIDs) != 1 || res.ConflictIDs[0] != "tx-1" {
		t.Errorf("conflict ids = %v, want [tx-1]", res.ConflictIDs)
	}
}

func TestConflictSkippedUnlessOverwriteConfirmed(t *testing.T) {
	remote := newMockRemote()
	rec := newTestReconciler(remote, DefaultOptions())

	tx := testTx("tx-1", 1, "外食")
	tx.UpdatedAt = testNow.Add(-2 * time.Hour)
	newer := tx
	newer.Category = "交通費"
	remote.txs["tx-1"] = RemoteTransaction{
		Hash:      domain.ContentHash("owner-1", newer),
		UpdatedAt: testNow.Add(-time.Hour),
		Tx:        newer,
	}

	res, err := rec.Reconcile(context.Background(), []domain.Transaction{tx}, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Conflicts != 1 || res.Updated != 0 {
		t.Fatalf("default run = %+v, want conflict skipped", res)
	}
	if len(remote.updateTxIDs) != 0 {
		t.Errorf("conflict was written without confirmation: %v", remote.updateTxIDs)
	}

	res, err = rec.Reconcile(context.Background(), []domain.Transaction{tx}, nil, Decisions{
		OverwriteTx: map[string]bool{"tx-1": true},
	})
	if err != nil {
		t.Fatalf("overwrite Reconcile() error = %v", err)
	}
	if res.Updated != 1 || res.Conflicts != 0 {
		t.Errorf("overwrite run = %+v, want one update", res)
	}
}

func TestExecuteRetriesTransientInsert(t *testing.T) {
	remote := newMockRemote()
	remote.insertFailures = 2
	remote.insertErr = errors.New("connection reset")
	rec := newTestReconciler(remote, DefaultOptions())

	res, err := rec.Reconcile(context.Background(), []domain.Transaction{testTx("tx-1", 1, "食費")}, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Inserted != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want one insert after retries", res)
	}
}

func TestExecuteBatchFailureReportedNotRaised(t *testing.T) {
	remote := newMockRemote()
	remote.insertFailures = 100
	remote.insertErr = errors.New("connection reset")
	rec := newTestReconciler(remote, DefaultOptions())

	res, err := rec.Reconcile(context.Background(), []domain.Transaction{
		testTx("tx-1", 1, "食費"),
		testTx("tx-2", 2, "食費"),
	}, nil, Decisions{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v, batch failure must not be raised", err)
	}
	if res.Failed != 2 || res.FailedOp != "insert" {
		t.Errorf("result = %+v, want 2 failed inserts", res)
	}
	var bf *BatchFailure
	if !errors.As(res.Failure, &bf) {
		t.Fatalf("failure = %v, want *BatchFailure", res.Failure)
	}
	if bf.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", bf.Attempts)
	}
}

func TestExecuteSchemaErrorRaised(t *testing.T) {
	remote := newMockRemote()
	remote.insertFailures = 1
	remote.insertErr = &googleapi.Error{Code: 400, Message: "invalid value for field date"}
	rec := newTestReconciler(remote, DefaultOptions())

	res, err := rec.Reconcile(context.Background(), []domain.Transaction{testTx("tx-1", 1, "食費")}, nil, Decisions{})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	if res == nil || res.Failed != 1 {
		t.Errorf("result = %+v, want the failed record reported too", res)
	}
}
