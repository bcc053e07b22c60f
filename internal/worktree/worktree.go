// Package worktree is the Worktree Manager collaborator: it gives every
// spawned agent its own git worktree and branch so concurrent agents never
// collide on the same checkout.
package worktree

import (
	"errors"
	"time"
)

// Worktree is one agent's isolated checkout.
type Worktree struct {
	AgentID        string    `json:"agent_id"`
	RepositoryPath string    `json:"repository_path"`
	Path           string    `json:"path"`
	Branch         string    `json:"branch"`
	BaseBranch     string    `json:"base_branch"`
	CreatedAt      time.Time `json:"created_at"`
}

var (
	// ErrRepoNotGit is returned when RepositoryPath is not a git checkout.
	ErrRepoNotGit = errors.New("worktree: repository path is not a git repository")
	// ErrInvalidBaseBranch is returned when the requested base branch does not exist.
	ErrInvalidBaseBranch = errors.New("worktree: base branch does not exist")
	// ErrMaxWorktrees is returned when a repository has hit its worktree cap.
	ErrMaxWorktrees = errors.New("worktree: max worktrees per repository reached")
	// ErrNotFound is returned when no worktree is recorded for an agent ID.
	ErrNotFound = errors.New("worktree: not found")
	// ErrGitCommandFailed wraps a failed git subprocess invocation.
	ErrGitCommandFailed = errors.New("worktree: git command failed")
)

// branchName is the fixed naming scheme for an agent's isolation branch.
func branchName(agentID string) string {
	return "agent/" + agentID
}
