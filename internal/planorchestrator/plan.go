// Package planorchestrator is the Orchestrator Stage collaborator: it
// decomposes a refined mission prompt into a DAG of agent tasks, never
// writing code itself.
package planorchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/llm"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

const systemPrompt = `You are the orchestrator of Alchemistral, a multi-agent coding system. You coordinate AI coding agents that work in parallel on isolated git worktrees.

You NEVER write code. You ONLY:
1. Analyze the request and project context
2. Decompose into a DAG of tasks with dependencies
3. Define which agent domain handles each task (frontend, backend, security, infra)
4. Generate interface contracts between agents (API schemas, TypeScript types)
5. Update global memory with architectural decisions

Respond in this exact JSON format (no markdown, no code block, raw JSON only):
{
  "analysis": "Brief analysis of the request and how it maps to the codebase",
  "run_command": "Shell command to verify the result works after all tasks complete",
  "dag": [
    {
      "id": "t1",
      "label": "Short task description",
      "agent_domain": "frontend",
      "agent_type": "parent",
      "parent_id": null,
      "dependencies": [],
      "prompt": "The detailed prompt this agent will receive to execute the task"
    }
  ],
  "contracts": [
    {
      "file": "api-schema.json",
      "content": "The actual contract content as a string",
      "written_by": "backend",
      "read_by": ["frontend"]
    }
  ],
  "memory_updates": {
    "global_additions": ["New decisions or conventions to add to GLOBAL.md"],
    "architecture_changes": "Description of architecture updates"
  }
}

CRITICAL: Read the codebase summary carefully. Your tasks MUST match the actual project stack.
Reference ACTUAL files from the scan, not imaginary ones.

Rules:
- agent_domain must be one of: frontend, backend, security, infra
- agent_type must be one of: parent, child
- Tasks with no dependencies can run in parallel
- Child tasks depend on their parent being started first
- Always generate contracts when frontend and backend need to communicate
- Keep task prompts specific — each agent only knows its own domain
- Maximum 10 tasks per decomposition
- Output ONLY valid JSON, no prose, no explanation`

// Planner calls an LLM to decompose a mission into a DAG. On any failure it
// returns the deterministic four-task mock plan so the rest of the pipeline
// always has a DAG to execute.
type Planner struct {
	client     *llm.Client
	largeModel string
	logger     *logger.Logger
}

// New constructs a Planner against an LLM client and the name of its
// "large" model.
func New(client *llm.Client, largeModel string, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.Default()
	}
	return &Planner{client: client, largeModel: largeModel, logger: log.WithFields(zap.String("component", "orchestrator"))}
}

// Plan decomposes refined into a v1.Plan. It never returns a non-nil error:
// any internal failure resolves to MockPlan(refined).
func (p *Planner) Plan(ctx context.Context, refined, globalMemory, architectureJSON string, contracts []string, codebaseSummary string) (v1.Plan, error) {
	var ctxParts []string
	if strings.TrimSpace(globalMemory) != "" {
		ctxParts = append(ctxParts, "Global memory:\n"+globalMemory)
	}
	if strings.TrimSpace(codebaseSummary) != "" {
		ctxParts = append(ctxParts, "Codebase scan:\n"+codebaseSummary)
	}
	if trimmed := strings.TrimSpace(architectureJSON); trimmed != "" && trimmed != "{}" {
		ctxParts = append(ctxParts, "Architecture:\n"+architectureJSON)
	}
	if len(contracts) > 0 {
		ctxParts = append(ctxParts, "Existing contracts:\n"+strings.Join(contracts, "\n\n"))
	}
	ctxParts = append(ctxParts, "Mission:\n"+refined)
	userContent := strings.Join(ctxParts, "\n\n")

	raw, err := p.client.Chat(ctx, p.largeModel, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}, 0.2)
	if err != nil {
		p.logger.Warn("orchestrator call failed, falling back to mock plan", zap.Error(err))
		return MockPlan(refined), nil
	}

	plan, err := parseResponse(raw)
	if err != nil {
		p.logger.Warn("orchestrator response parse failed, falling back to mock plan", zap.Error(err))
		return MockPlan(refined), nil
	}
	return plan, nil
}

func parseResponse(text string) (v1.Plan, error) {
	var plan v1.Plan
	if err := json.Unmarshal([]byte(stripFence(text)), &plan); err != nil {
		return v1.Plan{}, fmt.Errorf("decode orchestrator response: %w", err)
	}
	return plan, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

// MockPlan is the deterministic fallback decomposition used whenever the
// orchestrator LLM call can't run or its response can't be parsed: four
// tasks (t1..t4), t4 gated on both t2 and t3, its Analysis visibly marked
// as a fallback.
func MockPlan(refinedPrompt string) v1.Plan {
	snippet := refinedPrompt
	if len(snippet) > 80 {
		snippet = snippet[:80]
	}
	snippet = strings.ReplaceAll(snippet, "\n", " ")

	return v1.Plan{
		Analysis:   fmt.Sprintf("mock: MISTRAL_API_KEY not configured or call failed. Request: %q — showing example decomposition.", snippet),
		RunCommand: "echo 'mock run - no verification command'",
		Tasks: []v1.Task{
			{
				ID: "t1", Label: "Define API schema and data models",
				Domain: v1.DomainBackend, Kind: v1.TaskKindParent,
				Dependencies: []string{},
				Prompt: fmt.Sprintf("Design and implement the API schema and data models for: %s. "+
					"Write the OpenAPI schema to .alchemistral/contracts/api-schema.json.", refinedPrompt),
			},
			{
				ID: "t2", Label: "Implement backend endpoints",
				Domain: v1.DomainBackend, Kind: v1.TaskKindParent,
				Dependencies: []string{"t1"},
				Prompt: "Implement the backend endpoints based on .alchemistral/contracts/api-schema.json. " +
					"Run tests after each change. Report DONE only when all tests pass.",
			},
			{
				ID: "t3", Label: "Build frontend UI components",
				Domain: v1.DomainFrontend, Kind: v1.TaskKindParent,
				Dependencies: []string{"t1"},
				Prompt: "Build the UI components. Read .alchemistral/contracts/api-schema.json first. " +
					"Run the build after changes. Report DONE only when build passes.",
			},
			{
				ID: "t4", Label: "Security audit",
				Domain: v1.DomainSecurity, Kind: v1.TaskKindParent,
				Dependencies: []string{"t2", "t3"},
				Prompt: "Run OWASP Top 10 analysis on the implemented code. " +
					"Check for injection, exposed secrets, broken auth, insecure deps. " +
					"Return: severity, location, remediation.",
			},
		},
		Contracts: []v1.Contract{
			{
				File: "api-schema.json",
				Content: fmt.Sprintf(`{
  "info": "Mock API schema - MISTRAL_API_KEY not configured",
  "description": "Auto-generated for: %s",
  "endpoints": [
    {"path": "/api/resource", "method": "GET", "response": {"items": "array"}},
    {"path": "/api/resource", "method": "POST", "body": {"name": "string"}, "response": {"id": "string", "name": "string"}}
  ]
}`, snippet),
				WrittenBy: v1.DomainBackend,
				ReadBy:    []v1.Domain{v1.DomainFrontend},
			},
		},
		MemoryUpdates: v1.MemoryUpdates{
			GlobalAdditions: []string{
				"Mock orchestration run (MISTRAL_API_KEY not configured)",
				"Feature requested: " + snippet,
			},
			ArchitectureChanges: "Example decomposition - 4 tasks, 2 parallel tracks (backend + frontend), security audit gating.",
		},
	}
}
