package agentmanager

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alchemistral/missiond/internal/events/bus"
	"github.com/alchemistral/missiond/internal/worktree"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T) (*Manager, *bus.MemoryEventBus) {
	wt, err := worktree.NewManager(worktree.Config{}, nil)
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(nil)
	return New(wt, eb, nil, true), eb
}

func TestSpawnAgent_MockAdapterCompletesAndBroadcastsEvents(t *testing.T) {
	repo := initTestRepo(t)
	m, eb := newTestManager(t)

	var events []string
	_, err := eb.Subscribe("proj1", func(ctx context.Context, e *bus.Event) error {
		events = append(events, e.Type)
		return nil
	})
	require.NoError(t, err)

	state, err := m.SpawnAgent(context.Background(), SpawnRequest{
		ProjectID:      "proj1",
		Domain:         v1.DomainBackend,
		Label:          "implement endpoint",
		TaskID:         "t1",
		Prompt:         "implement the endpoint",
		RepositoryPath: repo,
		AlchDir:        repo + "/.alchemistral",
		AdapterName:    "mock",
	})
	require.NoError(t, err)
	assert.Equal(t, "backend-t1", state.ID)
	assert.Equal(t, v1.AgentActive, state.Status)
	assert.NotEmpty(t, state.WorktreePath)

	require.Eventually(t, func() bool {
		got, ok := m.Get("proj1", "backend-t1")
		return ok && got.Status.Terminal()
	}, 15*time.Second, 50*time.Millisecond)

	got, ok := m.Get("proj1", "backend-t1")
	require.True(t, ok)
	assert.Equal(t, v1.AgentDone, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, got.ValidationLevel)

	assert.Contains(t, events, "spawn")
	assert.Contains(t, events, "status")
	assert.Contains(t, events, "done")
}

func TestSpawnAgent_UnknownRepoFailsGracefully(t *testing.T) {
	m, _ := newTestManager(t)

	state, err := m.SpawnAgent(context.Background(), SpawnRequest{
		ProjectID:      "proj2",
		Domain:         v1.DomainFrontend,
		Label:          "build UI",
		TaskID:         "t2",
		Prompt:         "build it",
		RepositoryPath: "/nonexistent/not-a-repo",
		AlchDir:        "/nonexistent/.alchemistral",
		AdapterName:    "mock",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.AgentFailed, state.Status)
	assert.NotEmpty(t, state.Error)
}

func TestKillAgent_MarksFailed(t *testing.T) {
	repo := initTestRepo(t)
	m, _ := newTestManager(t)

	_, err := m.SpawnAgent(context.Background(), SpawnRequest{
		ProjectID:      "proj3",
		Domain:         v1.DomainInfra,
		Label:          "provision",
		TaskID:         "t3",
		Prompt:         "provision it",
		RepositoryPath: repo,
		AlchDir:        repo + "/.alchemistral",
		AdapterName:    "mock",
	})
	require.NoError(t, err)

	require.NoError(t, m.KillAgent(context.Background(), "proj3", "infra-t3"))

	got, ok := m.Get("proj3", "infra-t3")
	require.True(t, ok)
	assert.Equal(t, v1.AgentFailed, got.Status)
	assert.Equal(t, "Killed by user", got.Error)
}

func TestKillAgent_UnknownReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.KillAgent(context.Background(), "proj4", "missing")
	assert.Error(t, err)
}

func TestList_ReturnsAllForProject(t *testing.T) {
	repo := initTestRepo(t)
	m, _ := newTestManager(t)

	_, err := m.SpawnAgent(context.Background(), SpawnRequest{
		ProjectID: "proj5", Domain: v1.DomainBackend, Label: "a", TaskID: "a",
		Prompt: "a", RepositoryPath: repo, AlchDir: repo + "/.alchemistral", AdapterName: "mock",
	})
	require.NoError(t, err)
	_, err = m.SpawnAgent(context.Background(), SpawnRequest{
		ProjectID: "proj5", Domain: v1.DomainFrontend, Label: "b", TaskID: "b",
		Prompt: "b", RepositoryPath: repo, AlchDir: repo + "/.alchemistral", AdapterName: "mock",
	})
	require.NoError(t, err)

	assert.Len(t, m.List("proj5"), 2)
	assert.Empty(t, m.List("unknown-project"))
}
