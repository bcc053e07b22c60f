// Package codebasescan is a deliberately shallow one-shot project scanner:
// it walks a repository once at import time and writes a plain-text
// summary. The real stack-intelligence scanner named in spec.md is out of
// scope; this exists only so a freshly imported project has a non-empty
// codebase-summary.md for the mission pipeline to read.
package codebasescan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".worktrees": true, "__pycache__": true,
	".venv": true, "venv": true, "dist": true, "build": true, ".next": true,
	"target": true, "out": true, ".cache": true, "coverage": true,
}

var stackMarkers = map[string]string{
	"go.mod":            "Go",
	"package.json":      "Node.js / JavaScript",
	"tsconfig.json":     "TypeScript",
	"Cargo.toml":        "Rust (Cargo)",
	"pyproject.toml":    "Python (pyproject)",
	"requirements.txt":  "Python (pip)",
	"Gemfile":           "Ruby (Bundler)",
	"pom.xml":           "Java (Maven)",
	"build.gradle":      "Java/Kotlin (Gradle)",
	"Dockerfile":        "Docker",
	"docker-compose.yml": "Docker Compose",
}

// Summary is the result of scanning a project once.
type Summary struct {
	Stacks    []string
	FileCount int
	TopLevel  []string
}

// Scan walks root once, skipping common build/vendor directories, and
// reports the detected stack markers, a file count, and the top-level
// directory listing.
func Scan(root string) (Summary, error) {
	stackSet := map[string]bool{}
	fileCount := 0
	var topLevel []string

	entries, err := os.ReadDir(root)
	if err != nil {
		return Summary{}, fmt.Errorf("read project root: %w", err)
	}
	for _, e := range entries {
		topLevel = append(topLevel, e.Name())
	}
	sort.Strings(topLevel)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		fileCount++
		if stack, ok := stackMarkers[d.Name()]; ok {
			stackSet[stack] = true
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("walk project root: %w", err)
	}

	stacks := make([]string, 0, len(stackSet))
	for s := range stackSet {
		stacks = append(stacks, s)
	}
	sort.Strings(stacks)

	return Summary{Stacks: stacks, FileCount: fileCount, TopLevel: topLevel}, nil
}

// Render formats a Summary as the plain-text codebase-summary.md content.
func (s Summary) Render() string {
	var b strings.Builder
	b.WriteString("# Codebase Scan\n\n")
	if len(s.Stacks) > 0 {
		b.WriteString("## Detected stack\n")
		for _, stack := range s.Stacks {
			fmt.Fprintf(&b, "- %s\n", stack)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Files\n%d files scanned\n\n", s.FileCount)
	if len(s.TopLevel) > 0 {
		b.WriteString("## Top-level entries\n")
		for _, name := range s.TopLevel {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return b.String()
}

// ScanAndWrite scans root and writes the rendered summary to
// <alchDir>/codebase-summary.md, creating alchDir if needed.
func ScanAndWrite(root, alchDir string) (Summary, error) {
	summary, err := Scan(root)
	if err != nil {
		return Summary{}, err
	}
	if err := os.MkdirAll(alchDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create alchemistral dir: %w", err)
	}
	path := filepath.Join(alchDir, "codebase-summary.md")
	if err := os.WriteFile(path, []byte(summary.Render()), 0o644); err != nil {
		return Summary{}, fmt.Errorf("write codebase summary: %w", err)
	}
	return summary, nil
}
