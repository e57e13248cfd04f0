package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/fjmoreno/contaflow/internal/classify"
	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/config"
	"github.com/fjmoreno/contaflow/internal/inference"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/reconcile"
	"github.com/fjmoreno/contaflow/internal/service"
	"github.com/fjmoreno/contaflow/internal/storage"
	"github.com/fjmoreno/contaflow/internal/treasury"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

// runtime bundles the wired application services for one command invocation.
type runtime struct {
	settings *config.Settings
	store    service.Storage
	engine   *workflow.Engine
	closers  []func()
}

// Close releases the store and any inference clients.
func (rt *runtime) Close() {
	for _, closeFn := range rt.closers {
		closeFn()
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("failed to close storage", "error", err)
	}
}

// initStorage opens the SQLite store and brings the schema up to date.
func initStorage(ctx context.Context) (service.Storage, *config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewSQLiteStorage(settings.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, settings, nil
}

// buildRuntime wires storage, the inference clients when configured, and the
// workflow engine with all three workflow kinds registered. Without an
// inference endpoint the engines still run; fuzzy matching and model
// classification degrade per item.
func buildRuntime(ctx context.Context) (*runtime, error) {
	store, settings, err := initStorage(ctx)
	if err != nil {
		return nil, err
	}

	rt := &runtime{settings: settings, store: store}

	var embedder service.Embedder
	var classifier service.Classifier
	if settings.Inference.BaseURL != "" {
		infCfg := inference.Config{
			BaseURL:        settings.Inference.BaseURL,
			APIKey:         settings.Inference.APIKey,
			Model:          settings.Inference.Model,
			EmbeddingModel: settings.Inference.EmbeddingModel,
			MaxRetries:     settings.Inference.MaxRetries,
			RateLimit:      settings.Inference.RateLimit,
			CacheTTL:       settings.Inference.CacheTTL,
		}

		httpEmbedder, err := inference.NewHTTPEmbedder(infCfg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, httpEmbedder.Close)
		embedder = httpEmbedder

		httpClassifier, err := inference.NewHTTPClassifier(infCfg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, httpClassifier.Close)
		classifier = httpClassifier
	} else {
		slog.Warn("no inference endpoint configured; fuzzy matching and model classification run degraded")
	}

	engine := workflow.NewEngine(store)
	if err := workflow.Register(engine, reconcile.NewWorkflow(store, embedder).Definition()); err != nil {
		rt.Close()
		return nil, err
	}
	if err := workflow.Register(engine, classify.NewWorkflow(store, classifier).Definition()); err != nil {
		rt.Close()
		return nil, err
	}
	if err := workflow.Register(engine, treasury.NewWorkflow(store).Definition()); err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine

	return rt, nil
}

// requireTenant resolves the tenant id from flag/config.
func requireTenant() (string, error) {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		return "", fmt.Errorf("a tenant id is required (--tenant or CONTAFLOW_TENANT)")
	}
	return tenant, nil
}

// reportSession prints the outcome of a started or resumed session.
func reportSession(sess *model.WorkflowSession) {
	switch sess.Status {
	case model.StatusCompleted:
		fmt.Println(cli.FormatSuccess(fmt.Sprintf("session %s completed", sess.ID)))
	case model.StatusAwaitingHuman:
		step := ""
		if sess.Awaiting != nil {
			step = sess.Awaiting.Step
		}
		fmt.Println(cli.FormatWarning(fmt.Sprintf("session %s suspended at %s; review and resume it", sess.ID, step)))
		fmt.Println(cli.SubtleStyle.Render(fmt.Sprintf("  contaflow sessions show %s", sess.ID)))
	case model.StatusErrored:
		fmt.Println(cli.FormatError(fmt.Sprintf("session %s errored: %s", sess.ID, sess.LastError)))
	default:
		fmt.Printf("session %s: %s\n", sess.ID, sess.Status)
	}
}

// decodeState unmarshals a session snapshot into the given workflow state.
func decodeState(sess *model.WorkflowSession, out any) error {
	if len(sess.State) == 0 {
		return fmt.Errorf("session %s has no state snapshot", sess.ID)
	}
	if err := json.Unmarshal(sess.State, out); err != nil {
		return fmt.Errorf("failed to decode session state: %w", err)
	}
	return nil
}
