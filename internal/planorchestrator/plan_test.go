package planorchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alchemistral/missiond/internal/llm"
	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

type fixedKey string

func (k fixedKey) MistralAPIKey() string { return string(k) }

func newTestPlanner(t *testing.T, handler http.HandlerFunc) *Planner {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := llm.NewWithConfigSource(server.URL, 5*time.Second, fixedKey("test-key"))
	return New(client, "mistral-large-latest", nil)
}

func chatResponseBody(t *testing.T, content string) []byte {
	t.Helper()
	body := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return b
}

const validPlanJSON = `{
  "analysis": "Add a login endpoint and form",
  "run_command": "go test ./...",
  "dag": [
    {"id": "t1", "label": "Define schema", "agent_domain": "backend", "agent_type": "parent", "dependencies": [], "prompt": "define schema"}
  ],
  "contracts": [
    {"file": "api-schema.json", "content": "{}", "written_by": "backend", "read_by": ["frontend"]}
  ],
  "memory_updates": {"global_additions": ["use JWT"], "architecture_changes": "added auth"}
}`

func TestPlan_ParsesValidResponse(t *testing.T) {
	p := newTestPlanner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatResponseBody(t, validPlanJSON))
	})

	plan, err := p.Plan(context.Background(), "add login", "uses JWT", "{}", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Add a login endpoint and form", plan.Analysis)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "t1", plan.Tasks[0].ID)
	assert.Equal(t, v1.DomainBackend, plan.Tasks[0].Domain)
}

func TestPlan_StripsCodeFence(t *testing.T) {
	p := newTestPlanner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatResponseBody(t, "```json\n"+validPlanJSON+"\n```"))
	})

	plan, err := p.Plan(context.Background(), "add login", "", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Add a login endpoint and form", plan.Analysis)
}

func TestPlan_TransportErrorFallsBackToMock(t *testing.T) {
	p := newTestPlanner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	plan, err := p.Plan(context.Background(), "build a thing", "", "", nil, "")
	require.NoError(t, err)
	assertIsMock(t, plan, "build a thing")
}

func TestPlan_MalformedJSONFallsBackToMock(t *testing.T) {
	p := newTestPlanner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatResponseBody(t, "not json"))
	})

	plan, err := p.Plan(context.Background(), "build a thing", "", "", nil, "")
	require.NoError(t, err)
	assertIsMock(t, plan, "build a thing")
}

func assertIsMock(t *testing.T, plan v1.Plan, refined string) {
	t.Helper()
	assert.Contains(t, plan.Analysis, "mock:")
	require.Len(t, plan.Tasks, 4)
	byID := map[string]v1.Task{}
	for _, task := range plan.Tasks {
		byID[task.ID] = task
	}
	assert.Empty(t, byID["t1"].Dependencies)
	assert.Equal(t, []string{"t1"}, byID["t2"].Dependencies)
	assert.Equal(t, []string{"t1"}, byID["t3"].Dependencies)
	assert.ElementsMatch(t, []string{"t2", "t3"}, byID["t4"].Dependencies)
	assert.Equal(t, v1.DomainSecurity, byID["t4"].Domain)
}

func TestMockPlan_Deterministic(t *testing.T) {
	a := MockPlan("do the thing")
	b := MockPlan("do the thing")
	assert.Equal(t, a, b)
	assertIsMock(t, a, "do the thing")
}

func TestMockPlan_TruncatesLongPrompt(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	plan := MockPlan(long)
	assert.Contains(t, plan.Analysis, "mock:")
	assert.NotContains(t, plan.Analysis, long)
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}
