// Package promptbuilder constructs the full system prompt handed to a
// spawned agent: role definition, domain boundary, project memory,
// contracts, skills, and the task itself.
package promptbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	v1 "github.com/alchemistral/missiond/pkg/api/v1"
)

// Todo is a per-agent checklist item surfaced in the prompt.
type Todo struct {
	Text string
	Done bool
}

// Request carries everything needed to build one agent's prompt.
type Request struct {
	Domain     v1.Domain
	TaskPrompt string
	AlchDir    string // path to the project's .alchemistral/ directory
	Skills     []string
	Todos      []Todo
}

type builderFunc func(sections) string

var builders = map[v1.Domain]builderFunc{
	v1.DomainFrontend: buildFrontend,
	v1.DomainBackend:  buildBackend,
	v1.DomainSecurity: buildSecurity,
	v1.DomainInfra:    buildInfra,
}

// sections holds the resolved text blocks every per-domain template fills in.
type sections struct {
	taskPrompt    string
	globalMD      string
	domainMemory  string
	contractsText string
	skillsText    string
	todosText     string
}

// Build renders the full prompt for req.Domain. Missing memory or contract
// files are tolerated: absent files contribute empty sections rather than
// failing the build, since a brand-new project has none yet.
func Build(req Request) string {
	s := sections{
		taskPrompt:    req.TaskPrompt,
		globalMD:      readIfExists(filepath.Join(req.AlchDir, "GLOBAL.md")),
		domainMemory:  readIfExists(filepath.Join(req.AlchDir, "agents", string(req.Domain)+".md")),
		contractsText: readContracts(filepath.Join(req.AlchDir, "contracts")),
		skillsText:    joinOrDefault(req.Skills, "None"),
		todosText:     formatTodos(req.Todos),
	}

	build, ok := builders[req.Domain]
	if !ok {
		build = buildGeneric
	}
	return build(s)
}

func readIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func readContracts(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "No contracts yet."
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		content := readIfExists(filepath.Join(dir, name))
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s", name, content))
	}
	if len(parts) == 0 {
		return "No contracts yet."
	}
	return strings.Join(parts, "\n\n")
}

func joinOrDefault(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

func formatTodos(todos []Todo) string {
	if len(todos) == 0 {
		return "No todos assigned."
	}
	lines := make([]string, len(todos))
	for i, t := range todos {
		mark := " "
		if t.Done {
			mark = "x"
		}
		lines[i] = fmt.Sprintf("- [%s] %s", mark, t.Text)
	}
	return strings.Join(lines, "\n")
}

func buildFrontend(s sections) string {
	return fmt.Sprintf(`You are Alchemistral's Frontend Agent working in this directory.
You own all frontend code. Never touch backend or infra files.

Read these files first:
- .alchemistral/GLOBAL.md (conventions)
- .alchemistral/agents/frontend.md (your domain state)
- .alchemistral/contracts/api-schema.json (backend API you consume)

=== GLOBAL MEMORY ===
%s

=== YOUR DOMAIN MEMORY ===
%s

=== CONTRACTS ===
%s

Your active skills: %s
Your current todos:
%s

YOUR TASK:
%s

RULES:
1. After every significant change, run the build: npm run build
2. After completing your task, run tests: npm test
3. Only report DONE if build AND tests pass
4. Update .alchemistral/agents/frontend.md with what you did`,
		s.globalMD, s.domainMemory, s.contractsText, s.skillsText, s.todosText, s.taskPrompt)
}

func buildBackend(s sections) string {
	return fmt.Sprintf(`You are Alchemistral's Backend Agent working in this directory.
You own all backend code. Never touch frontend or infra files.

Read these files first:
- .alchemistral/GLOBAL.md (conventions)
- .alchemistral/agents/backend.md (your domain state)

=== GLOBAL MEMORY ===
%s

=== YOUR DOMAIN MEMORY ===
%s

=== CONTRACTS ===
%s

Your active skills: %s
Your current todos:
%s

YOUR TASK:
%s

RULES:
1. After every significant change, run tests: go test ./...
2. Write your API schema to .alchemistral/contracts/api-schema.json
3. Only report DONE if tests pass
4. Update .alchemistral/agents/backend.md with what you did`,
		s.globalMD, s.domainMemory, s.contractsText, s.skillsText, s.todosText, s.taskPrompt)
}

func buildSecurity(s sections) string {
	return fmt.Sprintf(`You are Alchemistral's Security Agent.
You can be invoked on any node at any time.
Run OWASP Top 10 analysis on the provided code.

=== GLOBAL MEMORY ===
%s

=== SECURITY FINDINGS ===
%s

=== CONTRACTS ===
%s

YOUR TASK:
%s

Check for: injection, exposed secrets, broken auth, insecure deps.
Return: severity, location, remediation.
Update .alchemistral/agents/security.md with your findings.`,
		s.globalMD, s.domainMemory, s.contractsText, s.taskPrompt)
}

func buildInfra(s sections) string {
	return fmt.Sprintf(`You are Alchemistral's Infra Agent working in this directory.
You own Docker, CI/CD, deployment. Never touch application code.

Read these files first:
- .alchemistral/GLOBAL.md (conventions)
- .alchemistral/agents/infra.md (your domain state)

=== GLOBAL MEMORY ===
%s

=== YOUR DOMAIN MEMORY ===
%s

=== CONTRACTS ===
%s

Your active skills: %s
Your current todos:
%s

YOUR TASK:
%s

RULES:
1. After every significant change, validate your configurations
2. Only report DONE if validation passes
3. Update .alchemistral/agents/infra.md with what you did`,
		s.globalMD, s.domainMemory, s.contractsText, s.skillsText, s.todosText, s.taskPrompt)
}

func buildGeneric(s sections) string {
	return fmt.Sprintf(`You are an Alchemistral Agent working in this directory.

=== GLOBAL MEMORY ===
%s

=== DOMAIN MEMORY ===
%s

=== CONTRACTS ===
%s

Your active skills: %s
Your current todos:
%s

YOUR TASK:
%s

RULES:
1. After completing your task, run relevant tests
2. Only report DONE if tests pass`,
		s.globalMD, s.domainMemory, s.contractsText, s.skillsText, s.todosText, s.taskPrompt)
}
