package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTransaction(id string, amount float64, description string) model.Transaction {
	txn := model.Transaction{
		ID:          id,
		TenantID:    "tenant-1",
		AccountID:   "acc-1",
		Date:        time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:      amount,
		Description: description,
		Type:        model.TypeExpense,
	}
	if amount > 0 {
		txn.Type = model.TypeIncome
	}
	txn.Hash = txn.GenerateHash()
	return txn
}

func TestMigrate(t *testing.T) {
	store := newTestStorage(t)

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, ExpectedSchemaVersion, version)

	// Re-running is a no-op.
	require.NoError(t, store.Migrate(context.Background()))
}

func TestSaveTransactions(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	txn := testTransaction("tx-1", -45.00, "OFFICE SUPPLIES")
	txn.Embedding = []float32{0.1, 0.2, 0.3}
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{txn}))

	got, err := store.GetTransactionByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.Description, got.Description)
	assert.Equal(t, txn.Hash, got.Hash)
	assert.InDelta(t, -45.00, got.Amount, 0.001)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
}

func TestSaveTransactions_DuplicateHash(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	first := testTransaction("tx-1", -45.00, "OFFICE SUPPLIES")
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{first}))

	// Same account, date, amount and description under a different id.
	dup := testTransaction("tx-2", -45.00, "OFFICE SUPPLIES")
	err := store.SaveTransactions(ctx, []model.Transaction{dup})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)
}

func TestSaveTransactions_ValidatesInput(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	require.Error(t, store.SaveTransactions(ctx, nil))
	require.Error(t, store.SaveTransactions(ctx, []model.Transaction{}))

	missing := testTransaction("", -1.00, "NO ID")
	require.Error(t, store.SaveTransactions(ctx, []model.Transaction{missing}))
}

func TestGetTransactions_Filter(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	jan := testTransaction("tx-jan", -10.00, "JANUARY")
	feb := testTransaction("tx-feb", -20.00, "FEBRUARY")
	feb.Date = time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	feb.Hash = feb.GenerateHash()
	other := testTransaction("tx-other", -30.00, "OTHER TENANT")
	other.TenantID = "tenant-2"
	other.AccountID = "acc-2"
	other.Hash = other.GenerateHash()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{jan, feb, other}))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	got, err := store.GetTransactions(ctx, service.TransactionFilter{
		TenantID:  "tenant-1",
		StartDate: &start,
		EndDate:   &end,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-jan", got[0].ID)

	all, err := store.GetTransactions(ctx, service.TransactionFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Date ascending.
	assert.Equal(t, "tx-jan", all[0].ID)
}

func TestGetTransactionByID_NotFound(t *testing.T) {
	store := newTestStorage(t)
	_, err := store.GetTransactionByID(context.Background(), "tx-ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLedgerEntries(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	entries := []model.LedgerEntry{
		{ID: "le-1", Date: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), Amount: -45.00, Description: "SUPPLIER INVOICE"},
		{ID: "le-2", Date: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), Amount: 100.00, Description: "CLIENT INVOICE", Embedding: []float32{0.5, 0.5}},
	}
	require.NoError(t, store.SaveLedgerEntries(ctx, entries))

	got, err := store.GetLedgerEntries(ctx,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "le-1", got[0].ID)
	assert.Equal(t, []float32{0.5, 0.5}, got[1].Embedding)

	single, err := store.GetLedgerEntryByID(ctx, "le-2")
	require.NoError(t, err)
	assert.InDelta(t, 100.00, single.Amount, 0.001)

	_, err = store.GetLedgerEntryByID(ctx, "le-ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMatchProposals(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{testTransaction("tx-1", -45.00, "SUPPLIES")}))

	proposal := model.MatchProposal{
		TransactionID: "tx-1",
		LedgerEntryID: "le-1",
		Confidence:    0.98,
		Method:        model.MatchExact,
		State:         model.MatchAutoApproved,
		Rationale:     []string{"amount within epsilon", "date within tolerance"},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveMatchProposal(ctx, &proposal))

	got, err := store.GetMatchProposal(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "le-1", got.LedgerEntryID)
	assert.Equal(t, model.MatchExact, got.Method)
	assert.Equal(t, proposal.Rationale, got.Rationale)

	// Upsert: finalizing the same proposal does not duplicate it.
	proposal.State = model.MatchValidated
	require.NoError(t, store.SaveMatchProposal(ctx, &proposal))

	claimed, err := store.GetValidatedLedgerEntryIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"le-1": true}, claimed)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM match_proposals").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMatchProposal_ConfidenceBounds(t *testing.T) {
	store := newTestStorage(t)
	bad := model.MatchProposal{TransactionID: "tx-1", Confidence: 1.5, State: model.MatchValidated}
	require.Error(t, store.SaveMatchProposal(context.Background(), &bad))
}

func TestClassificationHistory(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	reviewed := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	txns := []model.Transaction{
		testTransaction("tx-1", -55.00, "GASOLINERA REPSOL MADRID"),
		testTransaction("tx-2", -52.00, "GASOLINERA REPSOL GETAFE"),
		testTransaction("tx-3", -19.00, "UNRELATED SHOP"),
	}
	require.NoError(t, store.SaveTransactions(ctx, txns))

	for _, id := range []string{"tx-1", "tx-2"} {
		require.NoError(t, store.SaveClassificationProposal(ctx, &model.ClassificationProposal{
			TransactionID: id,
			Category:      "624",
			Confidence:    1.0,
			Method:        model.MethodManual,
			ReviewedBy:    "maria",
			ReviewedAt:    &reviewed,
			CreatedAt:     time.Now().UTC(),
		}))
	}
	// Not validated: no reviewer.
	require.NoError(t, store.SaveClassificationProposal(ctx, &model.ClassificationProposal{
		TransactionID: "tx-3",
		Category:      "629",
		Confidence:    0.5,
		Method:        model.MethodModel,
		CreatedAt:     time.Now().UTC(),
	}))

	history, err := store.GetValidatedClassificationsByDescription(ctx, "GASOLINERA REPSOL", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, "624", h.Category)
		assert.True(t, h.Validated())
	}

	none, err := store.GetValidatedClassificationsByDescription(ctx, "UNRELATED", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClassificationProposal_RoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTransactions(ctx, []model.Transaction{testTransaction("tx-1", -10.00, "SHOP")}))

	p := model.ClassificationProposal{
		TransactionID: "tx-1",
		Category:      "629",
		Confidence:    0.88,
		Method:        model.MethodModel,
		Rationale:     "retail purchase",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveClassificationProposal(ctx, &p))

	got, err := store.GetClassificationProposal(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "629", got.Category)
	assert.Equal(t, model.MethodModel, got.Method)
	assert.Nil(t, got.ReviewedAt)
	assert.False(t, got.Validated())

	_, err = store.GetClassificationProposal(ctx, "tx-ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRules(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	rules := []model.ClassificationRule{
		{ID: "rule-global", Field: "description", Operator: model.OpContains, Value: "AMAZON", Category: "629", Priority: 5, Active: true},
		{ID: "rule-tenant", TenantID: "tenant-1", Field: "description", Operator: model.OpContains, Value: "IBERDROLA", Category: "628", Priority: 10, Active: true},
		{ID: "rule-foreign", TenantID: "tenant-2", Field: "description", Operator: model.OpContains, Value: "X", Category: "600", Priority: 1, Active: true},
		{ID: "rule-inactive", Field: "description", Operator: model.OpContains, Value: "Y", Category: "600", Priority: 99, Active: false},
	}
	for i := range rules {
		require.NoError(t, store.SaveClassificationRule(ctx, &rules[i]))
	}

	active, err := store.GetActiveRules(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Priority descending.
	assert.Equal(t, "rule-tenant", active[0].ID)
	assert.Equal(t, "rule-global", active[1].ID)

	require.NoError(t, store.DeleteClassificationRule(ctx, "rule-global"))
	err = store.DeleteClassificationRule(ctx, "rule-global")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func testSession(id string, status model.SessionStatus) *model.WorkflowSession {
	now := time.Now().UTC()
	return &model.WorkflowSession{
		ID:        id,
		TenantID:  "tenant-1",
		Kind:      model.KindReconciliation,
		Status:    status,
		State:     json.RawMessage(`{"cursor":1}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSessions_CreateAndGet(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sess := testSession("sess-1", model.StatusProcessing)
	sess.Awaiting = &model.AwaitingMarker{Step: "prepare_review", RequiredFields: []string{"approved"}}
	require.NoError(t, store.CreateSession(ctx, sess))

	err := store.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.KindReconciliation, got.Kind)
	assert.JSONEq(t, `{"cursor":1}`, string(got.State))
	require.NotNil(t, got.Awaiting)
	assert.Equal(t, "prepare_review", got.Awaiting.Step)

	_, err = store.GetSession(ctx, "sess-ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSessions_UpdateRejectsTerminal(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sess := testSession("sess-1", model.StatusCompleted)
	require.NoError(t, store.CreateSession(ctx, sess))

	sess.Status = model.StatusProcessing
	err := store.UpdateSession(ctx, sess)
	require.Error(t, err)
	var stateErr *common.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestSessions_CompareAndSet(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, testSession("sess-1", model.StatusAwaitingHuman)))

	// Wrong expected status loses the race.
	err := store.CompareAndSetSessionStatus(ctx, "sess-1", model.StatusProcessing, model.StatusAwaitingHuman)
	var stateErr *common.StateError
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, store.CompareAndSetSessionStatus(ctx, "sess-1", model.StatusAwaitingHuman, model.StatusProcessing))
	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	// Illegal transition is rejected up front.
	err = store.CompareAndSetSessionStatus(ctx, "sess-1", model.StatusCompleted, model.StatusProcessing)
	require.ErrorAs(t, err, &stateErr)

	err = store.CompareAndSetSessionStatus(ctx, "sess-ghost", model.StatusProcessing, model.StatusCompleted)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSessions_List(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	first := testSession("sess-1", model.StatusAwaitingHuman)
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	first.UpdatedAt = first.CreatedAt
	second := testSession("sess-2", model.StatusCompleted)
	foreign := testSession("sess-3", model.StatusAwaitingHuman)
	foreign.TenantID = "tenant-2"
	for _, sess := range []*model.WorkflowSession{first, second, foreign} {
		require.NoError(t, store.CreateSession(ctx, sess))
	}

	awaiting, err := store.ListSessions(ctx, "tenant-1", model.StatusAwaitingHuman)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, "sess-1", awaiting[0].ID)

	all, err := store.ListSessions(ctx, "tenant-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stale, err := store.ListStaleSessions(ctx, model.StatusAwaitingHuman, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "sess-1", stale[0].ID)
}
