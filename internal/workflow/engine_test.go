package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/testutil"
)

// countingState is a minimal workflow state for engine tests.
type countingState struct {
	Log       []string `json:"log"`
	Threshold int      `json:"threshold"`
	Value     int      `json:"value"`
	Approved  bool     `json:"approved"`
	FailStep  string   `json:"fail_step,omitempty"`
}

const testKind model.WorkflowKind = "counting"

func testDefinition() Definition[countingState] {
	record := func(name string, fn func(s *countingState) error) Step[countingState] {
		return Step[countingState]{
			Name: name,
			Run: func(_ context.Context, s *countingState) error {
				if s.FailStep == name {
					return errors.New("boom")
				}
				s.Log = append(s.Log, name)
				return fn(s)
			},
		}
	}

	gate := record("review", func(s *countingState) error { return nil })
	gate.Gate = &GateSpec[countingState]{
		RequiredFields: []string{"approved"},
		Requires: func(s *countingState) bool {
			return s.Value >= s.Threshold && !s.Approved
		},
		Apply: func(_ context.Context, s *countingState, feedback json.RawMessage) error {
			var fb struct {
				Approved *bool `json:"approved"`
			}
			if err := json.Unmarshal(feedback, &fb); err != nil || fb.Approved == nil {
				return common.NewStateError("feedback missing approved flag")
			}
			s.Approved = *fb.Approved
			s.Log = append(s.Log, "apply")
			return nil
		},
	}

	return Definition[countingState]{
		Kind:     testKind,
		NewState: func() *countingState { return &countingState{} },
		Steps: []Step[countingState]{
			record("load", func(s *countingState) error { s.Value++; return nil }),
			record("double", func(s *countingState) error { s.Value *= 2; return nil }),
			gate,
			record("finish", func(s *countingState) error { s.Value += 100; return nil }),
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	engine := NewEngine(store)
	require.NoError(t, Register(engine, testDefinition()))
	return engine, store
}

func decodeState(t *testing.T, sess *model.WorkflowSession) countingState {
	t.Helper()
	var s countingState
	require.NoError(t, json.Unmarshal(sess.State, &s))
	return s
}

func TestEngine_RunsToCompletionWithoutGate(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Threshold above the computed value: the gate never requires input.
	sess, err := engine.Start(context.Background(), testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":100}`))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, sess.Status)
	state := decodeState(t, sess)
	assert.Equal(t, 104, state.Value) // (1+1)*2 + 100
	assert.Equal(t, []string{"load", "double", "review", "finish"}, state.Log)
	assert.Nil(t, sess.Awaiting)
}

func TestEngine_SuspendsAtGate(t *testing.T) {
	engine, store := newTestEngine(t)

	sess, err := engine.Start(context.Background(), testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":0}`))
	require.NoError(t, err)

	assert.Equal(t, model.StatusAwaitingHuman, sess.Status)
	require.NotNil(t, sess.Awaiting)
	assert.Equal(t, "review", sess.Awaiting.Step)
	assert.Equal(t, []string{"approved"}, sess.Awaiting.RequiredFields)

	// The persisted snapshot includes the gate step's own work.
	stored, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	state := decodeState(t, stored)
	assert.Equal(t, []string{"load", "double", "review"}, state.Log)
	assert.Equal(t, 4, state.Value)
}

func TestEngine_ResumeContinuesFromGate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":0}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingHuman, sess.Status)

	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, resumed.Status)
	state := decodeState(t, resumed)
	// The gate's Run is not repeated on resume; only its apply continuation.
	assert.Equal(t, []string{"load", "double", "review", "apply", "finish"}, state.Log)
	assert.Equal(t, 104, state.Value)
	assert.True(t, state.Approved)
}

func TestEngine_CheckpointEquivalence(t *testing.T) {
	// Suspend-then-resume must produce the same final state as a straight
	// run where the gate never triggers.
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	suspended, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":3,"threshold":0}`))
	require.NoError(t, err)
	resumed, err := engine.Resume(ctx, suspended.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)

	straight, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":3,"threshold":0,"approved":true}`))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, resumed.Status)
	assert.Equal(t, model.StatusCompleted, straight.Status)
	assert.Equal(t, decodeState(t, resumed).Value, decodeState(t, straight).Value)
}

func TestEngine_ResumeRequiresAwaitingHuman(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":100}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, sess.Status)

	_, err = engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":true}`))
	var stateErr *common.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestEngine_ResumeWithBadFeedbackKeepsSessionResumable(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":0}`))
	require.NoError(t, err)

	before, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = engine.Resume(ctx, sess.ID, json.RawMessage(`{"bogus":1}`))
	var stateErr *common.StateError
	require.ErrorAs(t, err, &stateErr)

	// No mutation: status restored, snapshot untouched.
	after, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingHuman, after.Status)
	assert.JSONEq(t, string(before.State), string(after.State))

	// Corrected feedback still works.
	resumed, err := engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, resumed.Status)
}

func TestEngine_StepFailurePreservesLastCheckpoint(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":100,"fail_step":"double"}`))
	require.Error(t, err)

	stored, getErr := store.GetSession(ctx, sess.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusErrored, stored.Status)
	assert.Contains(t, stored.LastError, "double")

	// Snapshot is from the last completed step, not a partial one.
	state := decodeState(t, stored)
	assert.Equal(t, []string{"load"}, state.Log)
	assert.Equal(t, 2, state.Value)
}

func TestEngine_CancelNonTerminal(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":0}`))
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, sess.ID))
	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)

	// Terminal sessions accept no further resume or cancel.
	var stateErr *common.StateError
	_, err = engine.Resume(ctx, sess.ID, json.RawMessage(`{"approved":true}`))
	require.ErrorAs(t, err, &stateErr)
	err = engine.Cancel(ctx, sess.ID)
	require.ErrorAs(t, err, &stateErr)
}

func TestEngine_StartValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Start(ctx, "nonsense", "tenant-1", nil)
	assert.ErrorIs(t, err, common.ErrUnknownWorkflow)

	_, err = engine.Start(ctx, testKind, "", nil)
	var valErr *common.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestEngine_ExpireStale(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	sess, err := engine.Start(ctx, testKind, "tenant-1", json.RawMessage(`{"value":1,"threshold":0}`))
	require.NoError(t, err)

	// Age the session past the cutoff.
	aged := store.Sessions[sess.ID]
	aged.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	store.Sessions[sess.ID] = aged

	expired, err := engine.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)

	// Zero max age disables expiry.
	expired, err = engine.ExpireStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	engine := NewEngine(testutil.NewMemStore())
	require.NoError(t, Register(engine, testDefinition()))
	assert.Error(t, Register(engine, testDefinition()))
	assert.Error(t, Register(engine, Definition[countingState]{Kind: "empty"}))
}

func TestSessionStatus_Transitions(t *testing.T) {
	assert.True(t, model.StatusProcessing.CanTransition(model.StatusAwaitingHuman))
	assert.True(t, model.StatusAwaitingHuman.CanTransition(model.StatusProcessing))
	assert.True(t, model.StatusProcessing.CanTransition(model.StatusCancelled))
	assert.False(t, model.StatusCompleted.CanTransition(model.StatusCancelled))
	assert.False(t, model.StatusCancelled.CanTransition(model.StatusProcessing))
	assert.False(t, model.StatusErrored.CanTransition(model.StatusCompleted))
}
