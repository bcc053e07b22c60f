package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alchemistral/missiond/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// initTestRepo creates a throwaway git repository with one commit on main
// and returns its path.
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T) *Manager {
	cfg := Config{BasePath: ".worktrees", DefaultBranch: "main", MaxPerRepo: 3}
	mgr, err := NewManager(cfg, newTestLogger(t))
	require.NoError(t, err)
	return mgr
}

func TestManager_Create(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t)

	wt, err := mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)
	assert.Equal(t, "agent/agent-1", wt.Branch)
	assert.Equal(t, "main", wt.BaseBranch)
	assert.True(t, mgr.IsValid(wt.Path))
}

func TestManager_Create_Idempotent(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t)

	first, err := mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)

	second, err := mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
}

func TestManager_Create_UnknownBaseBranch(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t)

	_, err := mgr.Create(context.Background(), "agent-1", repo, "does-not-exist")
	require.ErrorIs(t, err, ErrInvalidBaseBranch)
}

func TestManager_Create_NotAGitRepo(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Create(context.Background(), "agent-1", t.TempDir(), "main")
	require.ErrorIs(t, err, ErrRepoNotGit)
}

func TestManager_Create_MaxPerRepo(t *testing.T) {
	repo := initTestRepo(t)
	cfg := Config{BasePath: ".worktrees", DefaultBranch: "main", MaxPerRepo: 1}
	mgr, err := NewManager(cfg, newTestLogger(t))
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), "agent-2", repo, "")
	require.ErrorIs(t, err, ErrMaxWorktrees)
}

func TestManager_List(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t)

	_, err := mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), "agent-2", repo, "")
	require.NoError(t, err)

	list, err := mgr.List(context.Background(), repo)
	require.NoError(t, err)
	// the main checkout itself plus the two agent worktrees
	assert.Len(t, list, 3)

	branches := make(map[string]bool)
	for _, wt := range list {
		branches[wt.Branch] = true
	}
	assert.True(t, branches["agent/agent-1"])
	assert.True(t, branches["agent/agent-2"])
}

func TestManager_Remove(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t)

	wt, err := mgr.Create(context.Background(), "agent-1", repo, "")
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(context.Background(), "agent-1"))
	_, err = os.Stat(wt.Path)
	assert.True(t, os.IsNotExist(err))

	err = mgr.Remove(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_IsValid_RejectsNonWorktreeDir(t *testing.T) {
	mgr := newTestManager(t)
	assert.False(t, mgr.IsValid(t.TempDir()))
	assert.False(t, mgr.IsValid(filepath.Join(t.TempDir(), "does-not-exist")))
}
