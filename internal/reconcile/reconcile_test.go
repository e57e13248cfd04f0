package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/testutil"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func txn(id string, date string, amount float64, desc string, embedding []float32) model.Transaction {
	t := model.Transaction{
		ID:          id,
		AccountID:   "acc-1",
		TenantID:    "tenant-1",
		Date:        day(date),
		Amount:      amount,
		Description: desc,
		Type:        model.TypeExpense,
		Embedding:   embedding,
	}
	t.Hash = t.GenerateHash()
	return t
}

func entry(id string, date string, amount float64, desc string, embedding []float32) model.LedgerEntry {
	return model.LedgerEntry{
		ID:          id,
		Date:        day(date),
		Amount:      amount,
		Description: desc,
		Embedding:   embedding,
	}
}

func setupEngine(t *testing.T, store *testutil.MemStore) *workflow.Engine {
	t.Helper()
	engine := workflow.NewEngine(store)
	w := NewWorkflow(store, nil)
	require.NoError(t, workflow.Register(engine, w.Definition()))
	return engine
}

func startInput() json.RawMessage {
	return json.RawMessage(`{
		"tenant_id": "tenant-1",
		"account_id": "acc-1",
		"period_start": "2024-01-01",
		"period_end": "2024-01-31"
	}`)
}

func decodeReconcileState(t *testing.T, sess *model.WorkflowSession) State {
	t.Helper()
	var s State
	require.NoError(t, json.Unmarshal(sess.State, &s))
	return s
}

func TestExactMatch_ScenarioA(t *testing.T) {
	// Same amount, same date: exact match with confidence 0.98.
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-05", -45.00, "OFFICE SUPPLIES", nil),
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-05", -45.00, "Compra material oficina", nil),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, sess.Status)

	s := decodeReconcileState(t, sess)
	require.Len(t, s.Proposals, 1)
	assert.Equal(t, "le-1", s.Proposals[0].LedgerEntryID)
	assert.Equal(t, model.MatchExact, s.Proposals[0].Method)
	assert.InDelta(t, 0.98, s.Proposals[0].Confidence, 0.0001)
	assert.Equal(t, model.MatchValidated, s.Proposals[0].State)
	require.NotNil(t, s.Summary)
	assert.Equal(t, 1, s.Summary.Matched)
	assert.InDelta(t, 100.0, s.Summary.ReconciliationRate, 0.01)
}

func TestExactMatch_DateToleranceWindow(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-05", -45.00, "RENT", nil),
	}))
	// Two days away: outside the default ±1 day exact window.
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-07", -45.00, "Alquiler", nil),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)

	s := decodeReconcileState(t, sess)
	assert.Empty(t, s.Proposals)
	require.Len(t, s.Discrepancies, 1)
	assert.Equal(t, "no candidate", s.Discrepancies[0].Reason)
}

func TestPrepareReview_AmountMismatchDiscrepancy(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-05", -45.00, "SUBSCRIPTION", nil),
	}))
	// Same date but diverging amount: a near-miss discrepancy.
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-05", -99.00, "Suscripcion", nil),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)

	s := decodeReconcileState(t, sess)
	require.Len(t, s.Discrepancies, 1)
	assert.Equal(t, "amount mismatch", s.Discrepancies[0].Reason)
}

func TestFuzzyMatch_ScenarioB_PendingBelowAutoApprove(t *testing.T) {
	// Semantic 0.9, amount similarity 0.7: combined 0.82, above the 0.7
	// match threshold but below the 0.95 auto-approve threshold.
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-10", -100.00, "CLOUD HOSTING INV 42", []float32{1, 0}),
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-11", -70.00, "Factura hosting", []float32{0.9, 0.43589}),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)

	// Low-confidence proposal suspends the run for review.
	require.Equal(t, model.StatusAwaitingHuman, sess.Status)
	require.NotNil(t, sess.Awaiting)
	assert.Equal(t, "prepare_review", sess.Awaiting.Step)

	s := decodeReconcileState(t, sess)
	require.Len(t, s.Proposals, 1)
	p := s.Proposals[0]
	assert.Equal(t, model.MatchFuzzy, p.Method)
	assert.Equal(t, model.MatchPendingReview, p.State)
	assert.InDelta(t, 0.82, p.Confidence, 0.01)
	require.Len(t, p.Rationale, 2)

	// Review payload carries both sub-scores and the diffs.
	require.Len(t, s.Review, 1)
	item := s.Review[0]
	assert.Equal(t, "tx-1", item.TransactionID)
	assert.Equal(t, "le-1", item.BestMatch)
	require.Len(t, item.Candidates, 1)
	assert.InDelta(t, 30.0, item.Candidates[0].AmountDiff, 0.0001)
	assert.Equal(t, 1, item.Candidates[0].DateDiffDays)
}

func TestFuzzyMatch_BelowThresholdIgnored(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()
	// Orthogonal embeddings and distant amounts: combined score below 0.7.
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-10", -100.00, "SOMETHING", []float32{1, 0}),
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-10", -500.00, "Otra cosa", []float32{0, 1}),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, sess.Status)

	s := decodeReconcileState(t, sess)
	assert.Empty(t, s.Proposals)
	assert.Len(t, s.Discrepancies, 1)
}

func TestReconciliation_Determinism(t *testing.T) {
	// Identical inputs and config produce identical proposals across runs.
	run := func() []model.MatchProposal {
		store := testutil.NewMemStore()
		ctx := context.Background()
		require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
			txn("tx-1", "2024-01-05", -45.00, "A", nil),
			txn("tx-2", "2024-01-06", -45.00, "B", nil),
			txn("tx-3", "2024-01-09", -12.34, "C", []float32{1, 0}),
		}))
		require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
			entry("le-1", "2024-01-05", -45.00, "a", nil),
			entry("le-2", "2024-01-06", -45.00, "b", nil),
			entry("le-3", "2024-01-09", -12.00, "c", []float32{1, 0}),
		}))
		engine := setupEngine(t, store)
		sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
		require.NoError(t, err)
		s := decodeReconcileState(t, sess)
		for i := range s.Proposals {
			s.Proposals[i].CreatedAt = time.Time{}
		}
		return s.Proposals
	}

	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run())
	}
}

func TestReconciliation_NoDoubleMatch(t *testing.T) {
	// Two same-amount transactions compete for one entry: only one wins.
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-05", -45.00, "FIRST", nil),
		txn("tx-2", "2024-01-05", -45.00, "SECOND", nil),
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-05", -45.00, "solo", nil),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)

	s := decodeReconcileState(t, sess)
	seen := make(map[string]int)
	for _, p := range s.Proposals {
		if p.State == model.MatchValidated || p.State == model.MatchAutoApproved {
			seen[p.LedgerEntryID]++
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "ledger entry %s double matched", id)
	}
	require.Len(t, s.Discrepancies, 1)
	assert.Equal(t, "tx-2", s.Discrepancies[0].TransactionID)
}

func reviewFixture(t *testing.T) (*workflow.Engine, *testutil.MemStore, *model.WorkflowSession) {
	t.Helper()
	store := testutil.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
		txn("tx-1", "2024-01-10", -100.00, "CLOUD HOSTING", []float32{1, 0}),
		txn("tx-2", "2024-01-12", -30.00, "UNMATCHED", nil),
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
		entry("le-1", "2024-01-11", -70.00, "Factura hosting", []float32{0.9, 0.43589}),
		entry("le-2", "2024-01-12", -31.00, "Gasto varios", nil),
	}))

	engine := setupEngine(t, store)
	sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingHuman, sess.Status)
	return engine, store, sess
}

func TestResume_ApprovedProposalIsValidatedAndPersisted(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":["tx-1"]}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, resumed.Status)

	persisted, err := store.GetMatchProposal(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchValidated, persisted.State)
	assert.Equal(t, "le-1", persisted.LedgerEntryID)

	s := decodeReconcileState(t, resumed)
	require.NotNil(t, s.Summary)
	assert.Equal(t, 1, s.Summary.Matched)
	assert.Equal(t, 1, s.Summary.Discrepancies)
}

func TestResume_RejectedProposalIsNotPersisted(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"rejected":["tx-1"]}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, resumed.Status)

	_, err = store.GetMatchProposal(ctx, "tx-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResume_ManualMatch(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(
		`{"rejected":["tx-1"],"manual":[{"transactionId":"tx-2","ledgerEntryId":"le-2"}]}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, resumed.Status)

	persisted, err := store.GetMatchProposal(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, model.MatchPattern, persisted.Method)
	assert.Equal(t, model.MatchValidated, persisted.State)
	assert.InDelta(t, 1.0, persisted.Confidence, 0.0001)
}

func TestResume_UnknownIDsRejectedWithoutMutation(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	_, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":["tx-nope"]}`))
	var stateErr *common.StateError
	require.ErrorAs(t, err, &stateErr)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingHuman, stored.Status)
	assert.Empty(t, store.MatchProposals)

	_, err = engine.Resume(ctx, sess.ID, json.RawMessage(
		`{"manual":[{"transactionId":"tx-2","ledgerEntryId":"le-nope"}]}`))
	require.ErrorAs(t, err, &stateErr)
}

func TestApplyDecisions_Idempotent(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":["tx-1"]}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, resumed.Status)
	require.Len(t, store.MatchProposals, 1)
	first := store.MatchProposals["tx-1"]

	// Re-running apply with identical feedback creates no duplicates and
	// does not rewrite the stored proposal.
	w := NewWorkflow(store, nil)
	s := decodeReconcileState(t, resumed)
	require.NoError(t, w.applyDecisions(ctx, &s))
	require.Len(t, store.MatchProposals, 1)
	assert.Equal(t, first, store.MatchProposals["tx-1"])
}

func TestApplyDecisions_CrossRunClaimCheck(t *testing.T) {
	engine, store, sess := reviewFixture(t)
	ctx := context.Background()

	// Another run already validated le-1.
	require.NoError(t, store.SaveMatchProposal(ctx, &model.MatchProposal{
		TransactionID: "tx-other",
		LedgerEntryID: "le-1",
		Confidence:    0.98,
		Method:        model.MatchExact,
		State:         model.MatchValidated,
	}))

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":["tx-1"]}`))
	require.NoError(t, err)

	s := decodeReconcileState(t, resumed)
	for _, p := range s.Proposals {
		if p.TransactionID == "tx-1" {
			assert.Equal(t, model.MatchRejected, p.State)
		}
	}
	_, err = store.GetMatchProposal(ctx, "tx-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCheckpointEquivalence_FeedbackBeforeGate(t *testing.T) {
	// Suspend + resume with feedback F equals a straight run with F already
	// present in the input.
	buildStore := func() *testutil.MemStore {
		store := testutil.NewMemStore()
		ctx := context.Background()
		require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{
			txn("tx-1", "2024-01-10", -100.00, "CLOUD HOSTING", []float32{1, 0}),
		}))
		require.NoError(t, store.SaveLedgerEntries(ctx, []model.LedgerEntry{
			entry("le-1", "2024-01-11", -70.00, "Factura hosting", []float32{0.9, 0.43589}),
		}))
		return store
	}

	storeA := buildStore()
	engineA := setupEngine(t, storeA)
	sessA, err := engineA.Start(context.Background(), model.KindReconciliation, "tenant-1", startInput())
	require.NoError(t, err)
	resumedA, err := engineA.Resume(context.Background(), sessA.ID, json.RawMessage(`{"approved":["tx-1"]}`))
	require.NoError(t, err)

	storeB := buildStore()
	engineB := setupEngine(t, storeB)
	sessB, err := engineB.Start(context.Background(), model.KindReconciliation, "tenant-1", json.RawMessage(`{
		"tenant_id": "tenant-1",
		"account_id": "acc-1",
		"period_start": "2024-01-01",
		"period_end": "2024-01-31",
		"feedback": {"approved": ["tx-1"]}
	}`))
	require.NoError(t, err)

	stateA := decodeReconcileState(t, resumedA)
	stateB := decodeReconcileState(t, sessB)
	require.Equal(t, model.StatusCompleted, resumedA.Status)
	require.Equal(t, model.StatusCompleted, sessB.Status)
	assert.Equal(t, stateA.Summary, stateB.Summary)
	require.Len(t, storeB.MatchProposals, 1)
	assert.Equal(t, storeA.MatchProposals["tx-1"].State, storeB.MatchProposals["tx-1"].State)
}

func TestConfidenceBounds(t *testing.T) {
	engine, _, sess := func() (*workflow.Engine, *testutil.MemStore, *model.WorkflowSession) {
		store := testutil.NewMemStore()
		ctx := context.Background()
		var txns []model.Transaction
		var entries []model.LedgerEntry
		for i := 0; i < 5; i++ {
			txns = append(txns, txn(fmt.Sprintf("tx-%d", i), "2024-01-05", -float64(10*i+5), fmt.Sprintf("T%d", i), []float32{1, 0}))
			entries = append(entries, entry(fmt.Sprintf("le-%d", i), "2024-01-05", -float64(10*i+5), fmt.Sprintf("L%d", i), []float32{1, 0}))
		}
		require.NoError(t, store.SaveTransactions(ctx, txns))
		require.NoError(t, store.SaveLedgerEntries(ctx, entries))
		engine := setupEngine(t, store)
		sess, err := engine.Start(ctx, model.KindReconciliation, "tenant-1", startInput())
		require.NoError(t, err)
		return engine, store, sess
	}()
	_ = engine

	s := decodeReconcileState(t, sess)
	require.NotEmpty(t, s.Proposals)
	for _, p := range s.Proposals {
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
	}
}

func TestLoad_ValidatesInput(t *testing.T) {
	store := testutil.NewMemStore()
	engine := setupEngine(t, store)

	_, err := engine.Start(context.Background(), model.KindReconciliation, "tenant-1", json.RawMessage(`{
		"tenant_id": "tenant-1",
		"account_id": "acc-1",
		"period_start": "not-a-date",
		"period_end": "2024-01-31"
	}`))
	require.Error(t, err)
	var valErr *common.ValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = engine.Start(context.Background(), model.KindReconciliation, "tenant-1", json.RawMessage(`{
		"tenant_id": "tenant-1",
		"period_start": "2024-01-01",
		"period_end": "2024-01-31"
	}`))
	require.Error(t, err)
	assert.ErrorAs(t, err, &valErr)
}
