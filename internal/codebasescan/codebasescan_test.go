package codebasescan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_DetectsStackMarkers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "index.js"), []byte("x"), 0o644))

	summary, err := Scan(dir)
	require.NoError(t, err)
	assert.Contains(t, summary.Stacks, "Go")
	assert.Equal(t, 2, summary.FileCount)
}

func TestScanAndWrite_WritesSummary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))

	alch := filepath.Join(dir, ".alchemistral")
	summary, err := ScanAndWrite(dir, alch)
	require.NoError(t, err)
	assert.Contains(t, summary.Stacks, "Node.js / JavaScript")

	raw, err := os.ReadFile(filepath.Join(alch, "codebase-summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Node.js / JavaScript")
}
