package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/config"
	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/stores"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// planFlags are shared by plan and apply.
type planFlags struct {
	wantPath  string
	havePath  string
	only      string
	deleteAll bool
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.wantPath, "want", "", "manifest of the wanted endpoints")
	cmd.Flags().StringVar(&f.havePath, "have", "", "manifest of the deployed endpoints")
	cmd.Flags().StringVar(&f.only, "only", "", "comma separated filters, e.g. api,group.fn,codebase:name")
	cmd.Flags().BoolVar(&f.deleteAll, "delete-all", false, "also delete endpoints not created by fnrelease")
	_ = cmd.MarkFlagRequired("want")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newTelemetry builds the telemetry stack and stores it in the context.
func newTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, context.Context, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, tel.WithContext(ctx), nil
}

// buildPlan loads both manifests and diffs them.
func buildPlan(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, flags *planFlags) (engine.Plan, error) {
	want, err := backend.LoadFile(flags.wantPath, cfg.Project)
	if err != nil {
		return nil, err
	}
	have, err := backend.LoadFile(flags.havePath, cfg.Project)
	if err != nil {
		return nil, err
	}

	// Endpoints deployed before codebases existed belong to the configured one
	for _, e := range append(want.AllEndpoints(), have.AllEndpoints()...) {
		if e.Codebase == "" {
			e.Codebase = cfg.Codebase
		}
	}

	opts := cfg.PlannerOptions()
	opts.Filters = backend.ParseFilters(flags.only)
	opts.DeleteAll = flags.deleteAll

	planner := engine.NewPlanner(tel.Logger.NewComponentLogger("planner"), tel.Metrics)
	return planner.CreateDeploymentPlan(ctx, want, have, opts)
}

// newClients connects the API clients. The returned services must be closed.
func newClients(ctx context.Context, cfg *config.Config) (engine.Clients, *gcp.Services, error) {
	services, err := gcp.Dial(ctx, cfg.Endpoints, gcp.StaticTokenSource(cfg.AccessToken))
	if err != nil {
		return engine.Clients{}, nil, err
	}
	return engine.NewClients(services), services, nil
}

func newFabricator(clients engine.Clients, cfg *config.Config, tel *telemetry.Telemetry) *engine.Fabricator {
	queueLogger := tel.Logger.NewComponentLogger("queue")

	return engine.NewFabricator(engine.FabricatorOptions{
		Executor:                engine.NewQueueExecutor(engine.NewQueue(cfg.Pools.Triggers, tel.Metrics, queueLogger)),
		FunctionExecutor:        engine.NewQueueExecutor(engine.NewQueue(cfg.Pools.Functions, tel.Metrics, queueLogger)),
		Clients:                 clients,
		Sources:                 cfg.Sources,
		AppEngineLocation:       cfg.AppEngineLocation,
		ProjectNumber:           cfg.ProjectNumber,
		PollMasterTimeout:       cfg.Poll.MasterTimeout,
		PollMaxBackoff:          cfg.Poll.MaxBackoff,
		SourceTokenValidity:     cfg.SourceToken.Validity,
		SourceTokenFetchTimeout: cfg.SourceToken.FetchTimeout,
		Logger:                  tel.Logger,
		Metrics:                 tel.Metrics,
	})
}

// openHistory opens and migrates the deploy history database at path.
func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
