package dagexec

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alchemistral/missiond/internal/agentmanager"
	"github.com/alchemistral/missiond/internal/events/bus"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

// fakeAgents is a deterministic AgentManager stand-in: every spawned agent
// transitions straight from spawning to an outcome decided by outcomeFor.
type fakeAgents struct {
	mu         sync.Mutex
	states     map[string]*v1.AgentState
	outcomeFor func(taskID string) v1.AgentStatus
	worktrees  map[string]string
}

func newFakeAgents(outcome func(taskID string) v1.AgentStatus, worktreeFor map[string]string) *fakeAgents {
	return &fakeAgents{states: make(map[string]*v1.AgentState), outcomeFor: outcome, worktrees: worktreeFor}
}

func (f *fakeAgents) SpawnAgent(ctx context.Context, req agentmanager.SpawnRequest) (*v1.AgentState, error) {
	agentID := agentmanager.AgentID(req.Domain, req.TaskID)
	status := f.outcomeFor(req.TaskID)
	state := &v1.AgentState{
		ID: agentID, ProjectID: req.ProjectID, Domain: req.Domain, Label: req.Label,
		Status: status, WorktreePath: f.worktrees[req.TaskID], Branch: "agent/" + agentID,
	}
	f.mu.Lock()
	f.states[agentID] = state
	f.mu.Unlock()
	return state, nil
}

func (f *fakeAgents) Get(projectID, agentID string) (*v1.AgentState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[agentID]
	return s, ok
}

func initBareRepoWithBranches(t *testing.T, taskIDs []string) (string, map[string]string) {
	t.Helper()
	repo := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v in %s: %s", args, dir, out)
	}
	run(repo, "init", "-b", "main")
	run(repo, "config", "user.email", "test@example.com")
	run(repo, "config", "user.name", "test")
	run(repo, "commit", "--allow-empty", "-m", "initial")

	worktrees := map[string]string{}
	for _, id := range taskIDs {
		branch := "agent/backend-" + id
		run(repo, "branch", branch)
		wtPath := repo + "-wt-" + id
		run(repo, "worktree", "add", wtPath, branch)
		worktrees[id] = wtPath
	}
	return repo, worktrees
}

func TestExecute_EmptyDAG(t *testing.T) {
	exec := New(newFakeAgents(func(string) v1.AgentStatus { return v1.AgentDone }, nil), bus.NewMemoryEventBus(nil), nil)
	result, err := exec.Execute(context.Background(), nil, "", "", "mock", "proj", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Completed)
}

func TestExecute_DependencyFailureCascades(t *testing.T) {
	tasks := []v1.Task{
		{ID: "a", Label: "task a", Domain: v1.DomainBackend, Dependencies: []string{}},
		{ID: "b", Label: "task b", Domain: v1.DomainBackend, Dependencies: []string{"a"}},
	}
	fake := newFakeAgents(func(taskID string) v1.AgentStatus {
		if taskID == "a" {
			return v1.AgentFailed
		}
		return v1.AgentDone
	}, nil)
	eb := bus.NewMemoryEventBus(nil)

	var skipped []string
	_, err := eb.Subscribe("proj", func(ctx context.Context, e *bus.Event) error {
		if e.Type == "task_skipped" {
			skipped = append(skipped, e.Data["task_id"].(string))
		}
		return nil
	})
	require.NoError(t, err)

	exec := New(fake, eb, nil)
	result, err := exec.Execute(context.Background(), tasks, "/repo", "/repo/.alchemistral", "mock", "proj", "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ElementsMatch(t, []string{"a", "b"}, result.Failed)
	assert.Empty(t, result.Completed)
	assert.Equal(t, []string{"b"}, skipped)
}

func TestExecute_SuccessfulDAGRunsPostDAGMerge(t *testing.T) {
	taskIDs := []string{"t1", "t2"}
	repo, worktrees := initBareRepoWithBranches(t, taskIDs)

	tasks := []v1.Task{
		{ID: "t1", Label: "first", Domain: v1.DomainBackend, Dependencies: []string{}},
		{ID: "t2", Label: "second", Domain: v1.DomainBackend, Dependencies: []string{"t1"}},
	}
	fake := newFakeAgents(func(string) v1.AgentStatus { return v1.AgentDone }, worktrees)
	eb := bus.NewMemoryEventBus(nil)

	var mergeComplete map[string]interface{}
	_, err := eb.Subscribe("proj", func(ctx context.Context, e *bus.Event) error {
		if e.Type == "merge_complete" {
			mergeComplete = e.Data
		}
		return nil
	})
	require.NoError(t, err)

	exec := New(fake, eb, nil)
	result, err := exec.Execute(context.Background(), tasks, repo, repo+"/.alchemistral", "mock", "proj", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"t1", "t2"}, result.Completed)
	require.NotNil(t, mergeComplete)
	merged, _ := mergeComplete["merged"].([]string)
	assert.Len(t, merged, 2)
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	fake := newFakeAgents(func(string) v1.AgentStatus { return v1.AgentDone }, nil)

	var tasks []v1.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, v1.Task{ID: taskName(i), Label: taskName(i), Domain: v1.DomainBackend, Dependencies: []string{}})
	}

	slowFake := &slowAgents{fakeAgents: fake, mu: &mu, active: &active, maxActive: &maxActive}
	exec := New(slowFake, bus.NewMemoryEventBus(nil), nil)
	result, err := exec.Execute(context.Background(), tasks, "", "", "mock", "proj", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.LessOrEqual(t, maxActive, MaxConcurrentAgents)
}

func taskName(i int) string { return string(rune('a' + i)) }

type slowAgents struct {
	*fakeAgents
	mu        *sync.Mutex
	active    *int
	maxActive *int
}

func (s *slowAgents) SpawnAgent(ctx context.Context, req agentmanager.SpawnRequest) (*v1.AgentState, error) {
	s.mu.Lock()
	*s.active++
	if *s.active > *s.maxActive {
		*s.maxActive = *s.active
	}
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	*s.active--
	s.mu.Unlock()

	return s.fakeAgents.SpawnAgent(ctx, req)
}
