package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/costpilot/costpilot/pkg/api"
	"github.com/costpilot/costpilot/pkg/config"
	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/handlers"
	"github.com/costpilot/costpilot/pkg/policy"
	"github.com/costpilot/costpilot/pkg/rollback"
	"github.com/costpilot/costpilot/pkg/rollout"
	"github.com/costpilot/costpilot/pkg/stores"
	"github.com/costpilot/costpilot/pkg/telemetry"
	"github.com/costpilot/costpilot/pkg/validator"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CostPilot execution service",
		Long: `Run the CostPilot execution service: the REST API, the execution
engine worker pool, and the staged rollout controller.

On startup the service recovers any executions that were in flight when
the previous process stopped, re-entering staged rollouts at the first
unfinished stage.`,
		Example: `  # Run with the default development configuration
  costpilot serve

  # Run with an explicit configuration file
  costpilot serve --config /etc/costpilot/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetryConfig(cliVersion))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger

	// State store.
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Permission policies.
	policyEngine, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policyEngine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.Policy.Watch {
			loader := policy.NewLoader(logger.Zerolog())
			err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
				return policyEngine.ReplacePolicies(ctx, policies)
			})
			if err != nil {
				return fmt.Errorf("failed to watch policy paths: %w", err)
			}
			defer loader.StopWatching()
		}
	}

	// Parameter schemas.
	schemas := config.NewSchemaRegistry()

	// Validation pipeline. The simulated provider doubles as dependency
	// checker and health source until a real cloud provider is wired in.
	provider := handlers.NewSimulatedProvider()
	pipelineCfg := validator.Config{
		Policies:     policyEngine,
		Schemas:      schemas,
		Dependencies: provider,
		Provider:     provider,
		Logger:       logger.Zerolog(),
	}
	if cfg.Risk.HookScript != "" {
		hook, err := config.NewRiskHook(cfg.Risk.HookScript, cfg.Risk.Timeout)
		if err != nil {
			return fmt.Errorf("failed to load risk hook: %w", err)
		}
		pipelineCfg.RiskHook = hook
	}
	pipeline, err := validator.NewPipeline(pipelineCfg)
	if err != nil {
		return fmt.Errorf("failed to create validation pipeline: %w", err)
	}

	// Action handlers.
	registry := handlers.NewDefaultRegistry(provider, logger.Zerolog())

	// Staged rollout and rollback.
	monitor := rollout.NewAveragingMonitor(provider, 3, time.Second)
	controller := rollout.NewController(rollout.Config{
		Stages:          cfg.Rollout.Stages,
		HealthThreshold: cfg.Rollout.HealthThreshold,
		MonitorWindow:   cfg.Rollout.MonitorWindow,
		MaxRetries:      cfg.Rollout.MaxRetries,
	}, store, monitor, logger, tel.Metrics)
	controller.SetEventPublisher(tel.Events)

	rollbackMgr := rollback.NewManager(rollback.DefaultConfig(), store, logger)

	// Approval gate.
	var gate engine.ApprovalGate
	if cfg.Approval.AutoApprove {
		logger.Warn("auto-approval enabled, every approval resolves immediately")
		gate = &engine.AutoApprovalGate{}
	} else {
		gate = engine.NewChannelApprovalGate(cfg.Approval.Window)
	}

	// Execution engine.
	eng := engine.New(engine.Options{
		Workers:           cfg.Engine.Workers,
		QueueSize:         cfg.Engine.QueueSize,
		RollbackRetention: cfg.Engine.RollbackRetention,
	}, store, pipeline, registry, controller, rollbackMgr, gate, logger, tel.Metrics)
	eng.SetEventPublisher(tel.Events)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	if err := eng.Start(engineCtx); err != nil {
		return fmt.Errorf("failed to start execution engine: %w", err)
	}

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// REST API.
	apiServer := api.NewServer(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		HealthCheck:  store.HealthCheck,
		Metrics:      tel.Metrics.Handler(),
	}, eng, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	logger.WithFields(map[string]interface{}{
		"addr":    cfg.Server.ListenAddr,
		"workers": cfg.Engine.Workers,
		"stages":  cfg.Rollout.Stages,
	}).Info("CostPilot service started")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	// Graceful shutdown: stop accepting requests, let workers drain, then
	// flush telemetry.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown failed")
	}
	stopEngine()
	eng.Wait()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("telemetry shutdown failed")
	}

	return nil
}

// loadServiceConfig loads the configuration file named by --config, or the
// development defaults when none is given.
func loadServiceConfig() (*config.ServiceConfig, error) {
	if configPath == "" {
		return config.DefaultServiceConfig(), nil
	}
	return config.Load(configPath)
}
