// Package workflow implements a generic checkpointed step-graph executor.
// A workflow is a fixed, ordered list of named steps run against a typed
// state. Gate steps may suspend the run pending human feedback; suspension
// persists the state snapshot and returns, so a suspended session consumes
// no goroutine and can be resumed by any process instance.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

// Step is one named unit of a workflow. Run mutates the typed state; a step
// with a non-nil Gate may additionally suspend the session after Run.
type Step[S any] struct {
	Run  func(ctx context.Context, state *S) error
	Gate *GateSpec[S]
	Name string
}

// GateSpec marks a step as a human checkpoint. After Run, Requires decides
// whether the session must suspend; on resume, Apply merges the supplied
// feedback into the state before execution continues with the next step.
// Apply must return a StateError (and leave the state unusable for
// persistence) when the feedback references unknown entities.
type GateSpec[S any] struct {
	Requires       func(state *S) bool
	Apply          func(ctx context.Context, state *S, feedback json.RawMessage) error
	RequiredFields []string
}

// Definition describes a registered workflow: its kind, how to build the
// initial state from the caller's input payload, and its ordered steps.
type Definition[S any] struct {
	NewState func() *S
	Kind     model.WorkflowKind
	Steps    []Step[S]
}

// Engine drives workflow sessions through their steps, persisting a
// snapshot at every step boundary.
type Engine struct {
	storage  service.Storage
	registry map[model.WorkflowKind]runner
	locks    *lockTable
}

// runner is the type-erased execution entry point for one registered
// definition.
type runner interface {
	run(ctx context.Context, e *Engine, sess *model.WorkflowSession, feedback json.RawMessage) error
}

// NewEngine creates a workflow engine backed by the given storage.
func NewEngine(storage service.Storage) *Engine {
	return &Engine{
		storage:  storage,
		registry: make(map[model.WorkflowKind]runner),
		locks:    newLockTable(),
	}
}

// Register adds a workflow definition to the engine. Registering the same
// kind twice is a programming error.
func Register[S any](e *Engine, def Definition[S]) error {
	if _, exists := e.registry[def.Kind]; exists {
		return fmt.Errorf("workflow kind %q already registered", def.Kind)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow kind %q has no steps", def.Kind)
	}
	e.registry[def.Kind] = &typedRunner[S]{def: def}
	return nil
}

// Start creates a new session for the given workflow kind and drives it
// until completion or the first suspension point.
func (e *Engine) Start(ctx context.Context, kind model.WorkflowKind, tenantID string, input json.RawMessage) (*model.WorkflowSession, error) {
	r, ok := e.registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownWorkflow, kind)
	}
	if tenantID == "" {
		return nil, common.NewValidationError("tenantId", "must not be empty")
	}

	now := time.Now().UTC()
	sess := &model.WorkflowSession{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Status:    model.StatusLoading,
		State:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.storage.CreateSession(ctx, sess); err != nil {
		return nil, common.NewPersistenceError("create session", err)
	}

	unlock := e.locks.lock(sess.ID)
	defer unlock()

	slog.Info("workflow started", "kind", kind, "session_id", sess.ID, "tenant_id", tenantID)

	if err := r.run(ctx, e, sess, nil); err != nil {
		return sess, err
	}
	return sess, nil
}

// Resume continues a suspended session by merging the supplied feedback at
// the gate it stopped on. The session must be awaiting_human; any other
// status is a StateError and nothing is mutated.
func (e *Engine) Resume(ctx context.Context, sessionID string, feedback json.RawMessage) (*model.WorkflowSession, error) {
	if len(feedback) == 0 {
		return nil, common.NewValidationError("feedback", "must not be empty")
	}

	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusAwaitingHuman {
		return nil, common.NewStateError("cannot resume session %s in status %s", sessionID, sess.Status)
	}

	r, ok := e.registry[sess.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownWorkflow, sess.Kind)
	}

	// Claim the session before touching state so a concurrent resume on
	// another process instance loses the race cleanly.
	if err := e.storage.CompareAndSetSessionStatus(ctx, sessionID, model.StatusAwaitingHuman, model.StatusProcessing); err != nil {
		return nil, err
	}
	sess.Status = model.StatusProcessing

	slog.Info("workflow resumed", "kind", sess.Kind, "session_id", sess.ID, "step", sess.Step)

	if err := r.run(ctx, e, sess, feedback); err != nil {
		var stateErr *common.StateError
		if errors.As(err, &stateErr) {
			// Invalid feedback: hand the claim back untouched.
			if casErr := e.storage.CompareAndSetSessionStatus(ctx, sessionID, model.StatusProcessing, model.StatusAwaitingHuman); casErr != nil {
				slog.Error("failed to restore awaiting status", "session_id", sessionID, "error", casErr)
			}
		}
		return sess, err
	}
	return sess, nil
}

// Cancel moves a non-terminal session to cancelled. Terminal sessions reject
// the call with a StateError.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return common.NewStateError("cannot cancel session %s in terminal status %s", sessionID, sess.Status)
	}
	if err := e.storage.CompareAndSetSessionStatus(ctx, sessionID, sess.Status, model.StatusCancelled); err != nil {
		return err
	}

	slog.Info("workflow cancelled", "session_id", sessionID, "from_status", sess.Status)
	return nil
}

// Get returns the current view of a session.
func (e *Engine) Get(ctx context.Context, sessionID string) (*model.WorkflowSession, error) {
	return e.storage.GetSession(ctx, sessionID)
}

// ExpireStale cancels awaiting_human sessions older than maxAge. A maxAge of
// zero disables expiry. Returns the number of sessions cancelled.
func (e *Engine) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := e.storage.ListStaleSessions(ctx, model.StatusAwaitingHuman, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range stale {
		if err := e.Cancel(ctx, sess.ID); err != nil {
			slog.Warn("failed to expire session", "session_id", sess.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// typedRunner binds a Definition's type parameter behind the runner
// interface.
type typedRunner[S any] struct {
	def Definition[S]
}

func (r *typedRunner[S]) run(ctx context.Context, e *Engine, sess *model.WorkflowSession, feedback json.RawMessage) error {
	state := r.def.NewState()
	if len(sess.State) > 0 {
		if err := json.Unmarshal(sess.State, state); err != nil {
			return e.fail(ctx, sess, common.NewValidationError("state", err.Error()))
		}
	}

	start := sess.Step

	if feedback != nil {
		gateStep := r.def.Steps[sess.Step]
		if gateStep.Gate == nil {
			return e.fail(ctx, sess, fmt.Errorf("session %s suspended on non-gate step %s", sess.ID, gateStep.Name))
		}
		if err := gateStep.Gate.Apply(ctx, state, feedback); err != nil {
			var stateErr *common.StateError
			if errors.As(err, &stateErr) {
				return err // No mutation persisted; Resume restores the status.
			}
			return e.fail(ctx, sess, err)
		}
		sess.Awaiting = nil
		start = sess.Step + 1
		feedback = nil // Consumed; a later gate may suspend again.
	}

	if sess.Status == model.StatusLoading {
		if err := e.transition(ctx, sess, model.StatusProcessing); err != nil {
			return err
		}
	}

	for i := start; i < len(r.def.Steps); i++ {
		step := r.def.Steps[i]
		slog.Debug("running step", "kind", sess.Kind, "session_id", sess.ID, "step", step.Name)

		if err := step.Run(ctx, state); err != nil {
			// The snapshot persisted at the previous boundary stays; only
			// status and error are updated.
			return e.fail(ctx, sess, fmt.Errorf("step %s: %w", step.Name, err))
		}

		if step.Gate != nil && feedback == nil && step.Gate.Requires(state) {
			sess.Step = i
			sess.Awaiting = &model.AwaitingMarker{
				Step:           step.Name,
				RequiredFields: step.Gate.RequiredFields,
			}
			if err := e.checkpoint(ctx, sess, state, model.StatusAwaitingHuman); err != nil {
				return err
			}
			slog.Info("workflow suspended for review",
				"kind", sess.Kind, "session_id", sess.ID, "step", step.Name)
			return nil
		}

		sess.Step = i + 1
		if err := e.checkpoint(ctx, sess, state, model.StatusProcessing); err != nil {
			return err
		}
	}

	if err := e.checkpoint(ctx, sess, state, model.StatusCompleted); err != nil {
		return err
	}
	slog.Info("workflow completed", "kind", sess.Kind, "session_id", sess.ID)
	return nil
}

// checkpoint serializes the state and persists the session at a step
// boundary.
func (e *Engine) checkpoint(ctx context.Context, sess *model.WorkflowSession, state any, status model.SessionStatus) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return e.fail(ctx, sess, fmt.Errorf("snapshot state: %w", err))
	}
	sess.State = raw
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	if err := e.storage.UpdateSession(ctx, sess); err != nil {
		return common.NewPersistenceError("update session", err)
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, sess *model.WorkflowSession, next model.SessionStatus) error {
	if err := e.storage.CompareAndSetSessionStatus(ctx, sess.ID, sess.Status, next); err != nil {
		return err
	}
	sess.Status = next
	return nil
}

// fail marks the session errored at its last good checkpoint and reports
// the cause.
func (e *Engine) fail(ctx context.Context, sess *model.WorkflowSession, cause error) error {
	sess.Status = model.StatusErrored
	sess.LastError = cause.Error()
	sess.UpdatedAt = time.Now().UTC()
	if err := e.storage.UpdateSession(ctx, sess); err != nil {
		slog.Error("failed to persist errored session", "session_id", sess.ID, "error", err)
	}
	slog.Error("workflow errored", "kind", sess.Kind, "session_id", sess.ID, "error", cause)
	return cause
}
