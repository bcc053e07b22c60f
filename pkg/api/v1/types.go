// Package v1 defines the wire-level domain types shared across missiond's
// planning, scheduling, and execution packages.
package v1

import "time"

// Domain is the fixed set of agent domains a task can be scoped to.
type Domain string

const (
	DomainFrontend Domain = "frontend"
	DomainBackend  Domain = "backend"
	DomainSecurity Domain = "security"
	DomainInfra    Domain = "infra"
)

// ValidDomain reports whether d is one of the fixed domains.
func ValidDomain(d Domain) bool {
	switch d {
	case DomainFrontend, DomainBackend, DomainSecurity, DomainInfra:
		return true
	default:
		return false
	}
}

// TaskKind distinguishes a parent task from a child task spawned under it.
type TaskKind string

const (
	TaskKindParent TaskKind = "parent"
	TaskKindChild  TaskKind = "child"
)

// Task is a single planned unit of work in a mission's DAG.
type Task struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Domain       Domain   `json:"agent_domain"`
	Kind         TaskKind `json:"agent_type"`
	ParentID     string   `json:"parent_id,omitempty"`
	Dependencies []string `json:"dependencies"`
	Prompt       string   `json:"prompt"`
}

// Contract is a named artifact produced by the orchestrator stage and
// persisted so later tasks can read it verbatim.
type Contract struct {
	File      string   `json:"file"`
	Content   string   `json:"content"`
	WrittenBy Domain   `json:"written_by"`
	ReadBy    []Domain `json:"read_by"`
}

// MemoryUpdates carries the orchestrator's proposed project-memory edits.
type MemoryUpdates struct {
	GlobalAdditions    []string `json:"global_additions"`
	ArchitectureChanges string  `json:"architecture_changes"`
}

// Plan is the immutable output of the orchestrator stage.
type Plan struct {
	Analysis      string        `json:"analysis"`
	RunCommand    string        `json:"run_command"`
	Tasks         []Task        `json:"dag"`
	Contracts     []Contract    `json:"contracts"`
	MemoryUpdates MemoryUpdates `json:"memory_updates"`
}

// AgentStatus is the lifecycle status of a spawned agent.
type AgentStatus string

const (
	AgentPending    AgentStatus = "pending"
	AgentSpawning   AgentStatus = "spawning"
	AgentActive     AgentStatus = "active"
	AgentValidating AgentStatus = "validating"
	AgentDone       AgentStatus = "done"
	AgentFailed     AgentStatus = "failed"
)

// Terminal reports whether the status is a sticky terminal state.
func (s AgentStatus) Terminal() bool {
	return s == AgentDone || s == AgentFailed
}

// AgentState is the runtime record for one spawned Task.
type AgentState struct {
	ID               string      `json:"id"`
	ProjectID        string      `json:"project_id"`
	Domain           Domain      `json:"domain"`
	Label            string      `json:"label"`
	Status           AgentStatus `json:"status"`
	WorktreePath     string      `json:"worktree_path"`
	Branch           string      `json:"branch"`
	Prompt           string      `json:"-"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	ValidationLevel  int         `json:"validation_level"`
	OutputTail       []string    `json:"-"`
	Error            string      `json:"error,omitempty"`
}

// MaxOutputTailLines bounds the in-memory output buffer kept per agent.
const MaxOutputTailLines = 200

// AppendOutput appends a line to the agent's bounded output tail.
func (a *AgentState) AppendOutput(line string) {
	a.OutputTail = append(a.OutputTail, line)
	if len(a.OutputTail) > MaxOutputTailLines {
		a.OutputTail = a.OutputTail[len(a.OutputTail)-MaxOutputTailLines:]
	}
}
