// Package dagexec is the DAG Executor collaborator: the scheduler core
// that spawns agents in dependency order, bounded by a semaphore, and runs
// the post-DAG merge/install/verify stage once every task has settled.
package dagexec

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alchemistral/missiond/internal/agentmanager"
	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/events/bus"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

// MaxConcurrentAgents bounds how many coding agents may run at once.
const MaxConcurrentAgents = 3

// AgentManager is the slice of agentmanager.Manager the executor needs,
// named so tests can substitute a fake without standing up a real
// worktree manager or adapter.
type AgentManager interface {
	SpawnAgent(ctx context.Context, req agentmanager.SpawnRequest) (*v1.AgentState, error)
	Get(projectID, agentID string) (*v1.AgentState, bool)
}

// TaskSummary is one task's outcome, reported in the mission_complete event.
type TaskSummary struct {
	TaskID string `json:"task_id"`
	Label  string `json:"label"`
	Status string `json:"status"`
	Branch string `json:"branch"`
}

// Result is the outcome of one DAG execution.
type Result struct {
	Completed []string      `json:"completed"`
	Failed    []string      `json:"failed"`
	Success   bool          `json:"success"`
	Summaries []TaskSummary `json:"summaries"`
}

// Executor runs a DAG of tasks for a single mission.
type Executor struct {
	agents   AgentManager
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New constructs an Executor.
func New(agents AgentManager, eventBus bus.EventBus, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{agents: agents, eventBus: eventBus, logger: log.WithFields(zap.String("component", "dag-executor"))}
}

func (e *Executor) publish(ctx context.Context, projectID, eventType string, data map[string]interface{}) {
	if err := e.eventBus.Publish(ctx, projectID, bus.NewEvent("orchestrator", eventType, data)); err != nil {
		e.logger.Warn("publish failed", zap.Error(err), zap.String("type", eventType))
	}
}

// Execute runs tasks to completion, following the dependency DAG, then runs
// the post-DAG integration stage if at least one task completed and none
// failed. It returns an error only for scheduler-level failures ("possible
// cycle"); per-task failures are reported in Result, not as a Go error.
func (e *Executor) Execute(ctx context.Context, tasks []v1.Task, repoRoot, alchDir, adapterName, projectID, runCommand string) (Result, error) {
	if len(tasks) == 0 {
		return Result{Success: true}, nil
	}

	byID := make(map[string]v1.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var mu sync.Mutex
	completed := map[string]bool{}
	failed := map[string]bool{}
	spawned := map[string]bool{}
	summaries := map[string]TaskSummary{}

	e.publish(ctx, projectID, "dag_execution_start", map[string]interface{}{
		"text": fmt.Sprintf("Executing DAG with %d tasks", len(tasks)),
	})

	sem := semaphore.NewWeighted(MaxConcurrentAgents)
	var wg sync.WaitGroup
	done := make(chan struct{}, len(tasks))

	maxIterations := len(tasks) * 10
	iteration := 0
	var scheduleErr error

loop:
	for {
		mu.Lock()
		settled := len(completed) + len(failed)
		mu.Unlock()
		if settled >= len(tasks) {
			break
		}

		iteration++
		if iteration > maxIterations {
			e.logger.Error("dag execution exceeded max iterations, aborting")
			scheduleErr = fmt.Errorf("dagexec: possible cycle, exceeded %d iterations", maxIterations)
			break
		}

		var ready []v1.Task
		mu.Lock()
		for _, t := range tasks {
			if spawned[t.ID] {
				continue
			}
			if dependsOnFailed(t, failed) {
				failed[t.ID] = true
				spawned[t.ID] = true
				summaries[t.ID] = TaskSummary{TaskID: t.ID, Label: t.Label, Status: "failed"}
				mu.Unlock()
				e.publish(ctx, projectID, "task_skipped", map[string]interface{}{
					"task_id": t.ID,
					"text":    fmt.Sprintf("Skipped %s — dependency failed", t.Label),
				})
				mu.Lock()
				continue
			}
			if depsMet(t, completed) {
				ready = append(ready, t)
			}
		}
		inFlight := len(spawned) - len(completed) - len(failed)
		settled = len(completed) + len(failed)
		mu.Unlock()

		// A cascade above may have just failed every remaining unspawned
		// task in this same pass, settling the DAG without anything left
		// ready or in flight. That's completion, not a cycle.
		if settled >= len(tasks) {
			break
		}

		if len(ready) == 0 && inFlight <= 0 {
			e.logger.Warn("dag executor: no tasks ready and none running, possible cycle")
			scheduleErr = fmt.Errorf("dagexec: possible cycle, no ready tasks and none in flight")
			break loop
		}

		for _, t := range ready {
			mu.Lock()
			spawned[t.ID] = true
			mu.Unlock()

			wg.Add(1)
			go func(task v1.Task) {
				defer wg.Done()
				e.runWorker(ctx, sem, task, repoRoot, alchDir, adapterName, projectID, &mu, completed, failed, summaries)
				done <- struct{}{}
			}(t)
		}

		<-done
	}

	wg.Wait()

	mu.Lock()
	completedList := keys(completed)
	failedList := keys(failed)
	summaryList := make([]TaskSummary, 0, len(summaries))
	for _, s := range summaries {
		summaryList = append(summaryList, s)
	}
	mu.Unlock()

	success := len(failedList) == 0 && len(completedList) > 0

	e.publish(ctx, projectID, "dag_execution_done", map[string]interface{}{
		"completed": completedList,
		"failed":    failedList,
		"text":      fmt.Sprintf("DAG complete: %d succeeded, %d failed", len(completedList), len(failedList)),
	})
	e.publish(ctx, projectID, "mission_complete", map[string]interface{}{
		"success":   success,
		"summaries": summaryList,
	})

	result := Result{Completed: completedList, Failed: failedList, Success: success, Summaries: summaryList}

	if scheduleErr != nil {
		return result, scheduleErr
	}

	if success {
		e.runPostDAG(ctx, repoRoot, projectID, completedList, byID, runCommand)
	}

	return result, nil
}

func dependsOnFailed(t v1.Task, failed map[string]bool) bool {
	for _, d := range t.Dependencies {
		if failed[d] {
			return true
		}
	}
	return false
}

func depsMet(t v1.Task, completed map[string]bool) bool {
	for _, d := range t.Dependencies {
		if !completed[d] {
			return false
		}
	}
	return true
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// runWorker spawns a single task's agent under the semaphore, polls its
// state to completion, and commits the worktree on success.
func (e *Executor) runWorker(
	ctx context.Context,
	sem *semaphore.Weighted,
	task v1.Task,
	repoRoot, alchDir, adapterName, projectID string,
	mu *sync.Mutex,
	completed, failed map[string]bool,
	summaries map[string]TaskSummary,
) {
	if err := sem.Acquire(ctx, 1); err != nil {
		mu.Lock()
		failed[task.ID] = true
		summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "failed"}
		mu.Unlock()
		return
	}
	defer sem.Release(1)

	agentID := agentmanager.AgentID(task.Domain, task.ID)

	state, err := e.agents.SpawnAgent(ctx, agentmanager.SpawnRequest{
		ProjectID:      projectID,
		Domain:         task.Domain,
		Label:          task.Label,
		TaskID:         task.ID,
		Prompt:         task.Prompt,
		RepositoryPath: repoRoot,
		AlchDir:        alchDir,
		AdapterName:    adapterName,
	})
	if err != nil {
		e.logger.Error("spawn failed", zap.Error(err), zap.String("task_id", task.ID))
		mu.Lock()
		failed[task.ID] = true
		summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "failed"}
		mu.Unlock()
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		current, ok := e.agents.Get(projectID, agentID)
		if !ok || current.Status.Terminal() {
			if ok {
				state = current
			}
			break
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			failed[task.ID] = true
			summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "failed", Branch: state.Branch}
			mu.Unlock()
			return
		case <-ticker.C:
		}
	}

	if state.Status == v1.AgentDone {
		if err := commitWorktree(ctx, state.WorktreePath, task.ID, task.Label); err != nil {
			e.logger.Warn("commit failed, treating task as failed", zap.Error(err), zap.String("task_id", task.ID))
			mu.Lock()
			failed[task.ID] = true
			summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "failed", Branch: state.Branch}
			mu.Unlock()
			return
		}
		mu.Lock()
		completed[task.ID] = true
		summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "done", Branch: state.Branch}
		mu.Unlock()
		return
	}

	mu.Lock()
	failed[task.ID] = true
	summaries[task.ID] = TaskSummary{TaskID: task.ID, Label: task.Label, Status: "failed", Branch: state.Branch}
	mu.Unlock()
}

const defaultGitignore = "node_modules/\n.venv/\nvenv/\n__pycache__/\ndist/\nbuild/\n.next/\n*.pyc\n"

// commitWorktree writes a default .gitignore if none exists, then commits
// every change in the worktree. The external coding CLI only writes files;
// without this commit the post-DAG merge stage finds nothing to merge.
// An agent with no worktree path has nothing to commit.
func commitWorktree(ctx context.Context, worktreePath, taskID, label string) error {
	if worktreePath == "" {
		return nil
	}
	gitignorePath := worktreePath + "/.gitignore"
	if !fileExists(gitignorePath) {
		if err := writeFile(gitignorePath, defaultGitignore); err != nil {
			return fmt.Errorf("write default gitignore: %w", err)
		}
	}
	if out, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("git add -A: %w: %s", err, out)
	}
	msg := fmt.Sprintf("agent %s: %s", taskID, label)
	if out, err := runGit(ctx, worktreePath, "commit", "-m", msg, "--allow-empty"); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, out)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
