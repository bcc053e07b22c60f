// Package mission is the Mission Pipeline collaborator: it sequences one
// user message end-to-end — reprompt, conversation-or-DAG branch,
// orchestration, contract/memory persistence, and DAG execution — fanning
// every step out as a broadcast event.
package mission

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/dagexec"
	"github.com/alchemistral/missiond/internal/events/bus"
	"github.com/alchemistral/missiond/internal/llm"
	"github.com/alchemistral/missiond/internal/memoryfiles"
	"github.com/alchemistral/missiond/internal/planorchestrator"
	"github.com/alchemistral/missiond/internal/projectstore"
	"github.com/alchemistral/missiond/internal/reprompt"
)

const conversationSystemPrompt = `You are Alchemistral's assistant — a staff-level engineering copilot. You have full knowledge of the project's codebase, stack, and architecture.

Answer the developer's question using the project context provided. Be specific, reference actual files and patterns from the codebase. Be concise and technical. If you suggest code changes, tell the developer to send a mission instead.`

// Pipeline sequences one mission from a raw developer message to DAG
// execution. Run never returns an error to its caller: every failure is
// recovered and broadcast as a single error event, since it is invoked as
// a background goroutine from the HTTP layer.
type Pipeline struct {
	projects   *projectstore.Store
	classifier *reprompt.Classifier
	planner    *planorchestrator.Planner
	executor   *dagexec.Executor
	llmClient  *llm.Client
	largeModel string
	eventBus   bus.EventBus
	logger     *logger.Logger
}

// New constructs a Pipeline.
func New(
	projects *projectstore.Store,
	classifier *reprompt.Classifier,
	planner *planorchestrator.Planner,
	executor *dagexec.Executor,
	llmClient *llm.Client,
	largeModel string,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		projects: projects, classifier: classifier, planner: planner, executor: executor,
		llmClient: llmClient, largeModel: largeModel, eventBus: eventBus,
		logger: log.WithFields(zap.String("component", "mission-pipeline")),
	}
}

func (p *Pipeline) publish(ctx context.Context, projectID, eventType string, data map[string]interface{}) {
	if err := p.eventBus.Publish(ctx, projectID, bus.NewEvent("orchestrator", eventType, data)); err != nil {
		p.logger.Warn("publish failed", zap.Error(err), zap.String("type", eventType))
	}
}

// Run sequences the mission pipeline for one developer message. It is
// meant to be launched as `go pipeline.Run(ctx, projectID, message)`.
func (p *Pipeline) Run(ctx context.Context, projectID, message string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("mission pipeline panicked", zap.Any("recover", r), zap.String("project_id", projectID))
			p.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("Pipeline error: %v", r)})
		}
	}()

	if err := p.run(ctx, projectID, message); err != nil {
		p.logger.Error("mission pipeline failed", zap.Error(err), zap.String("project_id", projectID))
		p.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("Pipeline error: %v", err)})
	}
}

func (p *Pipeline) run(ctx context.Context, projectID, message string) error {
	// Step 1: resolve project.
	project, err := p.projects.Get(projectID)
	if err != nil {
		return fmt.Errorf("project not found: %w", err)
	}

	// Step 2: read project context.
	mem := memoryfiles.New(project.LocalPath)
	globalMD, err := mem.GlobalMemory()
	if err != nil {
		return fmt.Errorf("read global memory: %w", err)
	}
	codebaseSummary, err := mem.CodebaseSummary()
	if err != nil {
		return fmt.Errorf("read codebase summary: %w", err)
	}
	archJSON, err := mem.ArchitectureJSON()
	if err != nil {
		return fmt.Errorf("read architecture json: %w", err)
	}
	contracts, err := mem.Contracts()
	if err != nil {
		return fmt.Errorf("read contracts: %w", err)
	}

	// Step 3: reprompt.
	p.publish(ctx, projectID, "thinking", map[string]interface{}{"text": "Refining your request with Reprompt Engine..."})
	result, err := p.classifier.Classify(ctx, message, globalMD, codebaseSummary)
	if err != nil {
		return fmt.Errorf("reprompt: %w", err)
	}
	p.publish(ctx, projectID, "reprompt", map[string]interface{}{
		"original": message, "refined": result.Refined, "intent": string(result.Intent),
	})

	// Step 4: branch on intent.
	if result.Intent == reprompt.IntentConversation {
		p.handleConversation(ctx, projectID, message, globalMD, codebaseSummary)
		return nil
	}

	// Step 5: orchestrate.
	p.publish(ctx, projectID, "thinking", map[string]interface{}{"text": "Analyzing repository structure and decomposing into agent tasks..."})
	plan, err := p.planner.Plan(ctx, result.Refined, globalMD, archJSON, contracts, codebaseSummary)
	if err != nil {
		return fmt.Errorf("orchestrate: %w", err)
	}
	p.publish(ctx, projectID, "dag_update", map[string]interface{}{"dag": plan.Tasks, "analysis": plan.Analysis})

	// Step 6: write contracts.
	for _, c := range plan.Contracts {
		if err := mem.WriteContract(c.File, c.Content); err != nil {
			return fmt.Errorf("write contract %s: %w", c.File, err)
		}
		p.publish(ctx, projectID, "contract_update", map[string]interface{}{
			"file": c.File, "written_by": string(c.WrittenBy), "read_by": c.ReadBy,
		})
	}

	// Step 7: append GLOBAL.md additions.
	if len(plan.MemoryUpdates.GlobalAdditions) > 0 {
		if err := mem.AppendGlobalAdditions(plan.MemoryUpdates.GlobalAdditions); err != nil {
			return fmt.Errorf("append global additions: %w", err)
		}
		p.publish(ctx, projectID, "memory_update", map[string]interface{}{"additions": plan.MemoryUpdates.GlobalAdditions})
	}

	// Step 8: update architecture.json.
	if err := mem.UpdateArchitecture(plan.Tasks, plan.Analysis); err != nil {
		return fmt.Errorf("update architecture: %w", err)
	}

	// Step 9: append decisions log.
	if err := mem.AppendDecision(plan.Analysis); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}

	// Step 10: ready.
	n := len(plan.Tasks)
	suffix := "s"
	if n == 1 {
		suffix = ""
	}
	p.publish(ctx, projectID, "ready", map[string]interface{}{
		"text": fmt.Sprintf("Plan ready. %d agent task%s queued. Spawning agents...", n, suffix),
	})

	// Step 11: execute DAG.
	if len(plan.Tasks) == 0 {
		return nil
	}
	_, err = p.executor.Execute(ctx, plan.Tasks, project.LocalPath, mem.Path, project.CLIAdapter, projectID, plan.RunCommand)
	if err != nil {
		return fmt.Errorf("dag execution: %w", err)
	}
	return nil
}

func (p *Pipeline) handleConversation(ctx context.Context, projectID, message, globalMD, codebaseSummary string) {
	p.publish(ctx, projectID, "thinking", map[string]interface{}{"text": "Thinking..."})

	var parts []string
	if strings.TrimSpace(globalMD) != "" {
		parts = append(parts, "Project memory:\n"+globalMD)
	}
	if strings.TrimSpace(codebaseSummary) != "" {
		parts = append(parts, "Codebase scan:\n"+codebaseSummary)
	}
	parts = append(parts, "Developer question:\n"+message)
	userContent := strings.Join(parts, "\n\n")

	response, err := p.llmClient.Chat(ctx, p.largeModel, []llm.Message{
		{Role: "system", Content: conversationSystemPrompt},
		{Role: "user", Content: userContent},
	}, 0.4)
	if err != nil {
		p.logger.Warn("conversation call failed", zap.Error(err))
		p.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("Failed to get response: %v", err)})
		return
	}
	p.publish(ctx, projectID, "assistant", map[string]interface{}{"text": response})
}
