// Package agentmanager is the Agent Manager collaborator: it owns the set
// of Agent States grouped by project and the in-flight relay goroutines
// that stream each agent's CLI output into broadcast events.
package agentmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/apperr"
	"github.com/alchemistral/missiond/internal/cliadapter"
	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/events/bus"
	"github.com/alchemistral/missiond/internal/promptbuilder"
	"github.com/alchemistral/missiond/internal/worktree"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

// SpawnRequest carries everything needed to spawn one agent.
type SpawnRequest struct {
	ProjectID      string
	Domain         v1.Domain
	Label          string
	TaskID         string
	Prompt         string
	RepositoryPath string
	AlchDir        string
	AdapterName    string
	Skills         []string
}

// AgentID derives the fixed naming scheme for a spawned agent.
func AgentID(domain v1.Domain, taskID string) string {
	return fmt.Sprintf("%s-%s", domain, taskID)
}

type entry struct {
	state  *v1.AgentState
	cancel context.CancelFunc
	kill   func(ctx context.Context) error
}

// Manager owns every spawned agent's runtime state, scoped by project ID.
type Manager struct {
	mu      sync.RWMutex
	byProj  map[string]map[string]*entry
	wt      *worktree.Manager
	eventBus bus.EventBus
	logger  *logger.Logger
	demoMode bool
}

// New constructs a Manager. demoMode forces every spawn to use the "mock"
// adapter regardless of the requested adapter name; DEMO_MODE=true in the
// process environment, read at each spawn, does the same.
func New(wt *worktree.Manager, eventBus bus.EventBus, log *logger.Logger, demoMode bool) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		byProj:   make(map[string]map[string]*entry),
		wt:       wt,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "agent-manager")),
		demoMode: demoMode,
	}
}

func (m *Manager) publish(ctx context.Context, projectID string, evtType string, agentID string, data map[string]interface{}) {
	if err := m.eventBus.Publish(ctx, projectID, bus.NewEvent(agentID, evtType, data)); err != nil {
		m.logger.Warn("publish failed", zap.Error(err), zap.String("type", evtType))
	}
}

// SpawnAgent creates an Agent State, a worktree, selects and launches an
// adapter, and starts a background relay that streams its output as
// broadcast events. It never returns a non-nil error: worktree creation,
// adapter lookup and spawn failures, like relay failures, are absorbed into
// a "failed" state transition plus an error broadcast, and the returned
// state carries the failure.
func (m *Manager) SpawnAgent(ctx context.Context, req SpawnRequest) (*v1.AgentState, error) {
	agentID := AgentID(req.Domain, req.TaskID)
	now := time.Now().UTC()
	state := &v1.AgentState{
		ID:        agentID,
		ProjectID: req.ProjectID,
		Domain:    req.Domain,
		Label:     req.Label,
		Status:    v1.AgentSpawning,
		Prompt:    req.Prompt,
		StartedAt: &now,
	}
	m.store(req.ProjectID, agentID, &entry{state: state})

	m.publish(ctx, req.ProjectID, "spawn", agentID, map[string]interface{}{
		"domain": string(req.Domain), "label": req.Label, "project_id": req.ProjectID,
	})

	wt, err := m.wt.Create(ctx, agentID, req.RepositoryPath, "")
	if err != nil {
		m.fail(ctx, req.ProjectID, agentID, fmt.Sprintf("worktree create failed: %v", err))
		return state, nil
	}
	state.WorktreePath = wt.Path
	state.Branch = wt.Branch

	fullPrompt := promptbuilder.Build(promptbuilder.Request{
		Domain:     req.Domain,
		TaskPrompt: req.Prompt,
		AlchDir:    req.AlchDir,
		Skills:     req.Skills,
	})

	adapterName := req.AdapterName
	if m.demoMode || os.Getenv("DEMO_MODE") == "true" || adapterName == "" {
		adapterName = "mock"
	}
	adapter, err := cliadapter.Get(adapterName)
	if err != nil {
		m.fail(ctx, req.ProjectID, agentID, fmt.Sprintf("adapter lookup failed: %v", err))
		return state, nil
	}

	if err := adapter.Spawn(ctx, wt.Path, fullPrompt, cliadapter.Config{Skills: req.Skills, MaxTurns: cliadapter.DefaultConfig().MaxTurns, MaxPrice: cliadapter.DefaultConfig().MaxPrice}, agentID); err != nil {
		m.fail(ctx, req.ProjectID, agentID, fmt.Sprintf("spawn failed: %v", err))
		return state, nil
	}

	state.Status = v1.AgentActive
	m.publish(ctx, req.ProjectID, "status", agentID, map[string]interface{}{
		"text": fmt.Sprintf("Agent %s active in %s", agentID, state.Branch),
		"status": "active", "worktree": wt.Path, "branch": state.Branch, "project_id": req.ProjectID,
	})

	relayCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if e, ok := m.byProj[req.ProjectID][agentID]; ok {
		e.cancel = cancel
		e.kill = adapter.Kill
	}
	m.mu.Unlock()

	go m.relay(relayCtx, req.ProjectID, agentID, adapter)

	return state, nil
}

func (m *Manager) relay(ctx context.Context, projectID, agentID string, adapter cliadapter.Adapter) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, projectID, agentID, fmt.Sprintf("relay panic: %v", r))
		}
	}()

	for evt := range adapter.Stream(ctx) {
		m.mu.Lock()
		if e, ok := m.byProj[projectID][agentID]; ok {
			e.state.AppendOutput(evt.Text)
		}
		m.mu.Unlock()

		m.publish(ctx, projectID, string(evt.Type), agentID, map[string]interface{}{"text": evt.Text})

		if evt.Type == cliadapter.EventDone {
			m.complete(ctx, projectID, agentID)
			return
		}
		if evt.Type == cliadapter.EventError {
			m.fail(ctx, projectID, agentID, evt.Text)
			return
		}
	}
}

func (m *Manager) complete(ctx context.Context, projectID, agentID string) {
	now := time.Now().UTC()
	m.mu.Lock()
	if e, ok := m.byProj[projectID][agentID]; ok {
		e.state.Status = v1.AgentDone
		e.state.CompletedAt = &now
		e.state.ValidationLevel = 1
	}
	m.mu.Unlock()
}

func (m *Manager) fail(ctx context.Context, projectID, agentID, reason string) {
	now := time.Now().UTC()
	m.mu.Lock()
	if e, ok := m.byProj[projectID][agentID]; ok {
		e.state.Status = v1.AgentFailed
		e.state.Error = reason
		e.state.CompletedAt = &now
	}
	m.mu.Unlock()
	m.publish(ctx, projectID, "error", agentID, map[string]interface{}{"text": reason, "project_id": projectID})
}

// KillAgent cancels the relay goroutine (if any), kills the adapter
// process, and marks the agent failed with "Killed by user".
func (m *Manager) KillAgent(ctx context.Context, projectID, agentID string) error {
	m.mu.RLock()
	e, ok := m.byProj[projectID][agentID]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("agent", agentID)
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.kill != nil {
		_ = e.kill(ctx)
	}
	now := time.Now().UTC()
	m.mu.Lock()
	e.state.Status = v1.AgentFailed
	e.state.Error = "Killed by user"
	e.state.CompletedAt = &now
	m.mu.Unlock()
	return nil
}

// Get resolves a single agent's state for a project.
func (m *Manager) Get(projectID, agentID string) (*v1.AgentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byProj[projectID][agentID]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// List returns every known agent state for a project.
func (m *Manager) List(projectID string) []*v1.AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*v1.AgentState, 0, len(m.byProj[projectID]))
	for _, e := range m.byProj[projectID] {
		out = append(out, e.state)
	}
	return out
}

func (m *Manager) store(projectID, agentID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byProj[projectID] == nil {
		m.byProj[projectID] = make(map[string]*entry)
	}
	m.byProj[projectID][agentID] = e
}
