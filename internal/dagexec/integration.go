package dagexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

const (
	installTimeout = 60 * time.Second
	verifyTimeout  = 30 * time.Second
	runOutputCap   = 4 * 1024
)

// runPostDAG merges every completed task's branch into the default branch,
// installs dependencies if the merges touched a manifest, and runs the
// plan's verification command. Every step is non-fatal: failures are
// logged and broadcast as one error event, never returned to the caller.
func (e *Executor) runPostDAG(ctx context.Context, repoRoot, projectID string, completed []string, byID map[string]v1.Task, runCommand string) {
	merged, conflicts := e.autoMerge(ctx, repoRoot, projectID, completed, byID)
	e.publish(ctx, projectID, "merge_complete", map[string]interface{}{
		"merged":    merged,
		"conflicts": conflicts,
	})

	if len(merged) > 0 {
		e.autoInstall(ctx, repoRoot, projectID, len(merged))
	}

	if strings.TrimSpace(runCommand) != "" {
		e.autoRun(ctx, repoRoot, projectID, runCommand)
	}
}

func (e *Executor) autoMerge(ctx context.Context, repoRoot, projectID string, completed []string, byID map[string]v1.Task) (merged, conflicts []string) {
	if out, err := runGit(ctx, repoRoot, "checkout", "main"); err != nil {
		e.logger.Warn("checkout main failed, trying master", zap.String("output", out))
		if _, err := runGit(ctx, repoRoot, "checkout", "master"); err != nil {
			e.logger.Error("checkout main and master both failed", zap.Error(err))
			e.publish(ctx, projectID, "error", map[string]interface{}{"text": "post-DAG merge: could not checkout main or master"})
			return nil, nil
		}
	}

	for _, taskID := range completed {
		task, ok := byID[taskID]
		if !ok {
			continue
		}
		branch := fmt.Sprintf("agent/%s-%s", task.Domain, task.ID)

		if out, err := runGit(ctx, repoRoot, "merge", branch, "--no-edit", "-m", fmt.Sprintf("merge %s", task.ID)); err != nil {
			e.logger.Warn("merge conflict, retrying with theirs", zap.String("branch", branch), zap.String("output", out))
			_, _ = runGit(ctx, repoRoot, "merge", "--abort")
			if _, err := runGit(ctx, repoRoot, "merge", branch, "--no-edit", "-X", "theirs", "-m", fmt.Sprintf("merge %s", task.ID)); err != nil {
				e.logger.Error("merge retry with theirs failed", zap.String("branch", branch), zap.Error(err))
				_, _ = runGit(ctx, repoRoot, "merge", "--abort")
				conflicts = append(conflicts, branch)
				continue
			}
		}
		merged = append(merged, branch)
	}
	return merged, conflicts
}

func (e *Executor) autoInstall(ctx context.Context, repoRoot, projectID string, mergeCount int) {
	diffCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	diff, err := runGit(diffCtx, repoRoot, "diff", "--name-only", fmt.Sprintf("HEAD~%d", mergeCount))
	if err != nil {
		e.logger.Warn("auto-install: diff failed", zap.Error(err))
		e.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("post-DAG install: diff failed: %v", err)})
		return
	}

	var cmd []string
	switch {
	case strings.Contains(diff, "requirements.txt"):
		cmd = []string{"pip", "install", "-r", "requirements.txt"}
	case strings.Contains(diff, "package.json"):
		cmd = []string{"npm", "install"}
	default:
		return
	}

	installCtx, cancelInstall := context.WithTimeout(ctx, installTimeout)
	defer cancelInstall()
	exitCode, _ := runCommandIn(installCtx, repoRoot, cmd[0], cmd[1:]...)

	e.publish(ctx, projectID, "deps_installed", map[string]interface{}{
		"command":   strings.Join(cmd, " "),
		"exit_code": exitCode,
	})
	if exitCode != 0 {
		e.logger.Warn("auto-install failed", zap.String("command", strings.Join(cmd, " ")), zap.Int("exit_code", exitCode))
		e.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("post-DAG install: %s exited with %d", strings.Join(cmd, " "), exitCode)})
	}
}

func (e *Executor) autoRun(ctx context.Context, repoRoot, projectID, runCommand string) {
	runCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	exitCode, output := runCommandIn(runCtx, repoRoot, "sh", "-c", runCommand)
	if len(output) > runOutputCap {
		output = output[:runOutputCap]
	}
	e.publish(ctx, projectID, "run_result", map[string]interface{}{
		"exit_code": exitCode,
		"output":    output,
	})
	if exitCode != 0 {
		e.logger.Warn("verification run failed", zap.String("command", runCommand), zap.Int("exit_code", exitCode))
		e.publish(ctx, projectID, "error", map[string]interface{}{"text": fmt.Sprintf("post-DAG run: %q exited with %d", runCommand, exitCode)})
	}
}
