package cliadapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter simulates a coding agent's output without spawning a real
// process. The agent manager selects it in demo mode, when a spawn names the
// "mock" adapter, and when no adapter name is given.
type MockAdapter struct {
	mu      sync.Mutex
	agentID string
	prompt  string
	done    bool
}

// NewMockAdapter constructs a canned adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (a *MockAdapter) Spawn(ctx context.Context, worktreePath, prompt string, cfg Config, agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentID = agentID
	a.prompt = prompt
	a.done = false
	return nil
}

var mockSteps = []struct {
	eventType EventType
	text      string
}{
	{EventThink, "Analyzing task: %s..."},
	{EventThink, "Reading project structure..."},
	{EventBash, "$ ls -la src/"},
	{EventCode, "Writing implementation..."},
	{EventBash, "$ npm test"},
	{EventOutput, "All tests passed."},
}

// Stream emits the fixed six-event demo sequence with a short delay between
// each, then a final "done" event.
func (a *MockAdapter) Stream(ctx context.Context) <-chan Event {
	out := make(chan Event, len(mockSteps)+1)

	a.mu.Lock()
	agentID := a.agentID
	prompt := a.prompt
	a.mu.Unlock()

	promptPreview := prompt
	if len(promptPreview) > 80 {
		promptPreview = promptPreview[:80]
	}

	go func() {
		defer close(out)
		for i, step := range mockSteps {
			select {
			case <-ctx.Done():
				return
			case <-time.After(1500 * time.Millisecond):
			}
			text := step.text
			if i == 0 {
				text = fmt.Sprintf(text, promptPreview)
			}
			out <- Event{AgentID: agentID, Type: step.eventType, Text: text}
		}
		a.mu.Lock()
		a.done = true
		a.mu.Unlock()
		out <- Event{AgentID: agentID, Type: EventDone, Text: "agent completed (mock)"}
	}()

	return out
}

func (a *MockAdapter) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *MockAdapter) Kill(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
	return nil
}
