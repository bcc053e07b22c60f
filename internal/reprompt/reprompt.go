// Package reprompt is the Reprompt Stage collaborator: it classifies a raw
// developer message as a mission (needs the DAG pipeline) or ordinary
// conversation, rewriting mission messages into a precise engineering
// prompt along the way.
package reprompt

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/llm"
)

// Intent is the classification assigned to a developer message.
type Intent string

const (
	IntentMission      Intent = "mission"
	IntentConversation Intent = "conversation"
)

// Result is the outcome of classifying one message.
type Result struct {
	Intent  Intent `json:"intent"`
	Refined string `json:"refined"`
}

const systemPrompt = `You are a prompt engineer for a multi-agent coding orchestration system called Alchemistral.

Your job: classify a developer's message as either "mission" (a concrete coding task that should be decomposed and executed) or "conversation" (a question, comment, or anything that isn't asking for code changes). When it's a mission, also rewrite it as a precise, actionable engineering prompt.

Rules:
- Keep the developer's intent exactly
- Add technical specificity (endpoints, components, data models) when refining
- Mention technologies from the project's global memory when relevant
- Output ONLY a JSON object: {"intent": "mission"|"conversation", "refined": "..."}
- For conversation, set refined to the original message unchanged
- No preamble, no explanation, no markdown fences`

// Classifier calls an LLM to classify and refine developer messages. It
// never returns an error to the caller: any internal failure (no API key,
// transport error, malformed response) produces the mission fallback, so
// the mission pipeline always has something to run.
type Classifier struct {
	client     *llm.Client
	smallModel string
	logger     *logger.Logger
}

// New constructs a Classifier against an LLM client and the name of its
// "small" model.
func New(client *llm.Client, smallModel string, log *logger.Logger) *Classifier {
	if log == nil {
		log = logger.Default()
	}
	return &Classifier{client: client, smallModel: smallModel, logger: log.WithFields(zap.String("component", "reprompt"))}
}

// Classify classifies message, using globalMemory and codebaseSummary as
// context the model can draw technical specificity from. It never returns
// a non-nil error: any internal failure resolves to the mission fallback.
func (c *Classifier) Classify(ctx context.Context, message, globalMemory, codebaseSummary string) (Result, error) {
	fallback := Result{Intent: IntentMission, Refined: message}

	userContent := "Global memory:\n" + globalMemory + "\n\nCodebase summary:\n" + codebaseSummary + "\n\nDeveloper message:\n" + message

	raw, err := c.client.Chat(ctx, c.smallModel, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}, 0.3)
	if err != nil {
		c.logger.Warn("reprompt call failed, falling back to mission with original message", zap.Error(err))
		return fallback, nil
	}

	var result Result
	if err := json.Unmarshal([]byte(stripFence(raw)), &result); err != nil {
		c.logger.Warn("reprompt response was not valid JSON, falling back", zap.Error(err))
		return fallback, nil
	}
	if result.Intent != IntentMission && result.Intent != IntentConversation {
		return fallback, nil
	}
	if result.Refined == "" {
		result.Refined = message
	}
	return result, nil
}

// stripFence removes one leading and trailing triple-backtick code fence,
// with or without a language tag, since models reliably wrap JSON in one
// despite being told not to.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 && !strings.Contains(s[:nl], "{") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
