package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
)

// Manager creates, lists, and tears down per-agent git worktrees.
type Manager struct {
	config Config
	logger *logger.Logger

	mu        sync.RWMutex
	worktrees map[string]*Worktree // agentID -> worktree

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager constructs a Manager. cfg is validated in place.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worktree config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create creates (or, if one already exists and is still valid, reuses) a
// worktree for agentID under repositoryPath. baseBranch defaults to the
// manager's DefaultBranch when empty.
func (m *Manager) Create(ctx context.Context, agentID, repositoryPath, baseBranch string) (*Worktree, error) {
	if agentID == "" {
		return nil, fmt.Errorf("worktree: agent id is required")
	}
	if baseBranch == "" {
		baseBranch = m.config.DefaultBranch
	}

	if existing, ok := m.lookup(agentID); ok {
		if m.IsValid(existing.Path) {
			m.logger.Info("reusing existing worktree", zap.String("agent_id", agentID), zap.String("path", existing.Path))
			return existing, nil
		}
		m.logger.Warn("worktree directory invalid, recreating", zap.String("agent_id", agentID))
	}

	if !isGitRepo(repositoryPath) {
		return nil, ErrRepoNotGit
	}
	if !branchExists(repositoryPath, baseBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseBranch)
	}

	count := m.countForRepo(repositoryPath)
	if count >= m.config.MaxPerRepo {
		return nil, fmt.Errorf("%w: %d", ErrMaxWorktrees, m.config.MaxPerRepo)
	}

	repoLock := m.getRepoLock(repositoryPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	return m.createLocked(ctx, agentID, repositoryPath, baseBranch)
}

func (m *Manager) createLocked(ctx context.Context, agentID, repositoryPath, baseBranch string) (*Worktree, error) {
	path := m.config.worktreePath(repositoryPath, agentID)
	branch := branchName(agentID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseBranch)
	cmd.Dir = repositoryPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
			cmd.Dir = repositoryPath
			output, err = cmd.CombinedOutput()
		}
		if err != nil {
			m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
		}
	}

	wt := &Worktree{
		AgentID:        agentID,
		RepositoryPath: repositoryPath,
		Path:           path,
		Branch:         branch,
		BaseBranch:     baseBranch,
		CreatedAt:      time.Now().UTC(),
	}

	m.mu.Lock()
	m.worktrees[agentID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree", zap.String("agent_id", agentID), zap.String("path", path), zap.String("branch", branch))
	return wt, nil
}

func (m *Manager) lookup(agentID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[agentID]
	return wt, ok
}

func (m *Manager) countForRepo(repositoryPath string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, wt := range m.worktrees {
		if wt.RepositoryPath == repositoryPath {
			count++
		}
	}
	return count
}

// IsValid reports whether path is a live worktree checkout: a directory
// containing a ".git" file (not directory) pointing at gitdir.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// List returns every worktree git itself knows about for repositoryPath,
// parsed from `git worktree list --porcelain`. Unlike the in-memory cache,
// it also sees worktrees left behind by a prior process; it does not update
// the cache.
func (m *Manager) List(ctx context.Context, repositoryPath string) ([]*Worktree, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repositoryPath
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: listing worktrees: %v", ErrGitCommandFailed, err)
	}
	return parsePorcelain(output), nil
}

// parsePorcelain parses `git worktree list --porcelain` output into records.
// Entries are separated by blank lines; each holds "worktree <path>",
// "HEAD <sha>", and either "branch refs/heads/<name>", "bare", or
// "detached".
func parsePorcelain(output []byte) []*Worktree {
	var result []*Worktree
	var cur *Worktree
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				result = append(result, cur)
			}
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				ref := strings.TrimPrefix(line, "branch ")
				cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		case line == "":
			if cur != nil {
				result = append(result, cur)
				cur = nil
			}
		}
	}
	if cur != nil {
		result = append(result, cur)
	}
	return result
}

// Remove force-removes the worktree directory and best-effort deletes its
// branch; branch deletion failures are logged, not returned, since the
// worktree directory is gone either way.
func (m *Manager) Remove(ctx context.Context, agentID string) error {
	wt, ok := m.lookup(agentID)
	if !ok {
		return ErrNotFound
	}

	repoLock := m.getRepoLock(wt.RepositoryPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wt.Path)
	cmd.Dir = wt.RepositoryPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm -rf", zap.String("output", string(output)), zap.Error(err))
		if err := os.RemoveAll(wt.Path); err != nil {
			return fmt.Errorf("removing worktree directory: %w", err)
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = wt.RepositoryPath
		_ = prune.Run()
	}

	branchDel := exec.CommandContext(ctx, "git", "branch", "-D", wt.Branch)
	branchDel.Dir = wt.RepositoryPath
	if output, err := branchDel.CombinedOutput(); err != nil {
		m.logger.Warn("failed to delete agent branch", zap.String("branch", wt.Branch), zap.String("output", string(output)), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.worktrees, agentID)
	m.mu.Unlock()

	m.logger.Info("removed worktree", zap.String("agent_id", agentID), zap.String("path", wt.Path))
	return nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}
