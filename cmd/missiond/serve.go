package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/agentmanager"
	"github.com/alchemistral/missiond/internal/common/config"
	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/dagexec"
	"github.com/alchemistral/missiond/internal/events/bus"
	"github.com/alchemistral/missiond/internal/httpapi"
	"github.com/alchemistral/missiond/internal/llm"
	"github.com/alchemistral/missiond/internal/mission"
	"github.com/alchemistral/missiond/internal/planorchestrator"
	"github.com/alchemistral/missiond/internal/projectstore"
	"github.com/alchemistral/missiond/internal/reprompt"
	"github.com/alchemistral/missiond/internal/worktree"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the missiond HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting missiond")

	// 3. Create the server-lifetime context. Background missions are bound
	// to this, not to any single request's context, so they outlive the
	// HTTP handler that launched them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Construct the event bus: NATS if configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Construct the worktree manager.
	wt, err := worktree.NewManager(worktree.Config{
		BasePath:      cfg.Worktree.BasePath,
		DefaultBranch: cfg.Worktree.DefaultBranch,
		MaxPerRepo:    cfg.Worktree.MaxPerRepo,
	}, log)
	if err != nil {
		return fmt.Errorf("construct worktree manager: %w", err)
	}

	// 6. Construct the agent manager.
	agents := agentmanager.New(wt, eventBus, log, cfg.Agent.DemoMode)

	// 7. Construct the DAG executor.
	executor := dagexec.New(agents, eventBus, log)

	// 8. Construct the LLM clients and planning collaborators.
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.Timeout())
	classifier := reprompt.New(llmClient, cfg.LLM.SmallModel, log)
	planner := planorchestrator.New(llmClient, cfg.LLM.LargeModel, log)

	// 9. Construct the mission pipeline.
	projects := projectstore.New()
	pipeline := mission.New(projects, classifier, planner, executor, llmClient, cfg.LLM.LargeModel, eventBus, log)

	// 10. Construct the HTTP router.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(ctx, projects, agents, pipeline, eventBus, log)
	router := httpapi.NewRouter(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start the server.
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 12. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down missiond")

	// 13. Shut down gracefully: stop accepting HTTP work, then cancel the
	// server-lifetime context so any in-flight background missions unwind.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	cancel()

	log.Info("missiond stopped")
	return nil
}
