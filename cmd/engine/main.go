package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/cmd/engine/acceptance"
	"github.com/lyzr/runloop/cmd/engine/bridge"
	"github.com/lyzr/runloop/cmd/engine/condition"
	"github.com/lyzr/runloop/cmd/engine/confirm"
	"github.com/lyzr/runloop/cmd/engine/criteria"
	"github.com/lyzr/runloop/cmd/engine/entry"
	"github.com/lyzr/runloop/cmd/engine/evidence"
	"github.com/lyzr/runloop/cmd/engine/handlers"
	"github.com/lyzr/runloop/cmd/engine/kernel"
	"github.com/lyzr/runloop/cmd/engine/routes"
	"github.com/lyzr/runloop/cmd/engine/tool"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/bootstrap"
	"github.com/lyzr/runloop/common/bus"
	"github.com/lyzr/runloop/common/config"
	"github.com/lyzr/runloop/common/idempotency"
	"github.com/lyzr/runloop/common/middleware"
	"github.com/lyzr/runloop/common/ratelimit"
	"github.com/lyzr/runloop/common/repository"
	"github.com/lyzr/runloop/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceCfg, err := config.Load("engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []bootstrap.Option{
		bootstrap.WithCustomConfig(serviceCfg),
		bootstrap.WithDBInitHook(repository.InitSchema),
	}
	if serviceCfg.Engine.DisableRunPersistence {
		opts = append(opts, bootstrap.WithoutDB())
	}

	components, err := bootstrap.Setup(ctx, "engine", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	cfg := components.Config.Engine

	// Persistence: Postgres by default, in-memory when disabled for tests
	var (
		runs    repository.RunRepository
		journal repository.EventJournal
	)
	if cfg.DisableRunPersistence {
		log.Warn("run persistence disabled, using in-memory repositories")
		runs = repository.NewMemoryRunRepository()
		journal = repository.NewMemoryEventJournal()
	} else {
		runs = repository.NewPgRunRepository(components.DB)
		journal = repository.NewPgEventJournal(components.DB)
	}

	// Domain components
	tools := tool.NewRegistry()
	registerDefaultTools(tools)

	evaluator := condition.NewEvaluator()
	executors := kernel.NewRegistry()
	kernel.RegisterBuiltins(executors, tools, evaluator, nil, nil)

	validator := workflow.NewValidator(tools, executors)
	workflows := workflow.NewStore()
	confirms := confirm.NewStore()

	policy := bridge.NewAllowlistPolicy(bridge.DecisionExecuteWorkflow)
	k := kernel.New(kernel.Opts{
		Executors: executors,
		Evaluator: evaluator,
		Gate:      bridge.NewExecutionGate(policy),
		Logger:    log,
	})

	// Deterministic mode persists every event before it is yielded;
	// production mode rides kernel events on the best-effort async sink
	var sink entry.Sink = journal
	if cfg.E2ETestMode == config.TestModeProduction {
		async := entry.NewAsyncSink(journal, log)
		defer async.Close()
		sink = async
	}

	entryPoint := entry.New(entry.Opts{
		Workflows: workflows,
		Validator: validator,
		Kernel:    k,
		Confirms:  confirms,
		Runs:      runs,
		Journal:   journal,
		Sink:      sink,
		Patcher:   entry.NewPatcher(tools),
		Config:    cfg,
		Metrics:   components.Metrics,
		Logger:    log,
	})

	collector := evidence.NewCollector(runs, journal)
	manager := criteria.NewManager(log)

	eventBus := bus.New(log)
	eventBus.Use(bridge.CoordinatorMiddleware(eventBus, policy, log))

	loop := acceptance.NewLoop(acceptance.Opts{
		Runs:      runs,
		Journal:   journal,
		Collector: collector,
		Manager:   manager,
		Workflows: workflows,
		Bus:       eventBus,
		Redis:     components.Redis,
		Config:    cfg,
		Metrics:   components.Metrics,
		Logger:    log,
	})

	decisionBridge := bridge.NewBridge(entryPoint, eventBus, log)
	decisionBridge.Subscribe()

	idem := idempotency.New(components.Redis, 24*time.Hour, log)

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	h := routes.Handlers{
		Runs:      handlers.NewRunHandler(runs, workflows, log),
		Workflows: handlers.NewWorkflowHandler(workflows, validator, executors, log),
		Events:    handlers.NewEventsHandler(runs, journal, log),
		Execute:   handlers.NewExecuteHandler(entryPoint, confirms, loop, idem, log),
	}
	if cfg.RateLimitEnabled && components.Redis != nil {
		limiter := ratelimit.New(components.Redis.GetUnderlying(), log)
		h.ExecuteLimit = middleware.ExecuteRateLimit(limiter, int64(cfg.RateLimitGlobalPerMinute), tierLookup(workflows))
	}
	routes.Register(e, components, h)

	srv := server.New("engine", components.Config.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// tierLookup maps a workflow id to its rate-limit tier by agent-node count
func tierLookup(workflows *workflow.Store) middleware.TierFunc {
	return func(workflowID string) (ratelimit.Tier, bool) {
		wf, err := workflows.Get(workflowID)
		if err != nil {
			return "", false
		}
		agents := 0
		for _, n := range wf.Nodes {
			if n.Type == workflow.NodeAgent {
				agents++
			}
		}
		return ratelimit.TierForAgentCount(agents), true
	}
}

// registerDefaultTools seeds the catalog with the built-in tools. Real
// deployments extend this over the registry API of the hosting process.
func registerDefaultTools(tools *tool.Registry) {
	tools.Register(&tool.Tool{
		ID:          "echo",
		Name:        "Echo",
		Description: "returns its arguments unchanged",
	})
	tools.Register(&tool.Tool{
		ID:          "sleep",
		Name:        "Sleep",
		Description: "waits for the configured duration",
	})
}
