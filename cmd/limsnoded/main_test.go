package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roelanb/limsnode/internal/history"
	"github.com/Roelanb/limsnode/internal/ledger"
)

const cliConfig = `
runtime:
  stateDir: '%[1]s'
storages:
  cryo:
    type: local
    basePath: '%[2]s'
experimentTypes:
  - name: spa
    pattern: 'Krios\d/SPA'
    storage: cryo
    rules:
      - patterns: ["**/*.tiff"]
        tags: [raw]
        keepTree: true
      - patterns: ["*.yml"]
        tags: [metadata]
`

type cliEnv struct {
	configPath, state, store string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	base := t.TempDir()
	e := &cliEnv{
		configPath: filepath.Join(base, "config.yml"),
		state:      filepath.Join(base, "state"),
		store:      filepath.Join(base, "store"),
	}
	require.NoError(t, os.WriteFile(e.configPath, []byte(fmt.Sprintf(cliConfig, e.state, e.store)), 0o644))
	return e
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestVersionCommand(t *testing.T) {
	e := setupCLI(t)
	out, err := e.run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestTransferCommandUsesTypeRules(t *testing.T) {
	e := setupCLI(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "grid1", "movie_001.tiff"), "frames")
	writeFile(t, filepath.Join(src, "session.yml"), "a: 1")
	writeFile(t, filepath.Join(src, "notes.txt"), "skip")

	out, err := e.run(t, "transfer", src, "--type", "spa", "--tags", "raw", "--dest", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "grid1/movie_001.tiff")
	assert.Contains(t, out, "1 files")
	assert.Contains(t, out, "direct")

	b, err := os.ReadFile(filepath.Join(e.store, "e1", "grid1", "movie_001.tiff"))
	require.NoError(t, err)
	assert.Equal(t, "frames", string(b))
	assert.NoFileExists(t, filepath.Join(e.store, "e1", "session.yml"))
	assert.FileExists(t, filepath.Join(src, "grid1", "movie_001.tiff"))
}

func TestTransferCommandAdHocMove(t *testing.T) {
	e := setupCLI(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "notes.txt"), "keep me")

	_, err := e.run(t, "transfer", src, "--pattern", "*.txt", "--dest", "e2", "--move")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--storage")

	out, err := e.run(t, "transfer", src, "--pattern", "*.txt", "--storage", "cryo", "--dest", "e2", "--move")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.txt")
	assert.FileExists(t, filepath.Join(e.store, "e2", "notes.txt"))
	assert.NoFileExists(t, filepath.Join(src, "notes.txt"))
}

func TestTransferCommandErrors(t *testing.T) {
	e := setupCLI(t)
	src := t.TempDir()

	_, err := e.run(t, "transfer", src, "--dest", "e1")
	assert.ErrorContains(t, err, "--type or --pattern")
	_, err = e.run(t, "transfer", src, "--type", "tomo", "--dest", "e1")
	assert.ErrorContains(t, err, "unknown experiment type")
	_, err = e.run(t, "transfer", src, "--type", "spa", "--storage", "tape", "--dest", "e1")
	assert.ErrorContains(t, err, "unknown storage")
}

func TestLedgerCommand(t *testing.T) {
	e := setupCLI(t)
	path := filepath.Join(e.state, "ledgers", "_e1-raw.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	led, err := ledger.OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, led.Record("grid1/movie_001.tiff", time.Now()))
	require.NoError(t, led.Close())

	out, err := e.run(t, "ledger", "--experiment", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "grid1/movie_001.tiff")
	assert.Contains(t, out, "1 entries")

	out, err = e.run(t, "ledger", filepath.Join(e.state, "missing.yml"))
	require.NoError(t, err)
	assert.Contains(t, out, "no entries")

	_, err = e.run(t, "ledger")
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	e := setupCLI(t)
	store, err := history.Open(filepath.Join(e.state, "history.db"))
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(),
		history.Entry{Session: "job", Experiment: "e1", Path: "a.tiff", Size: 2048},
		history.Entry{Session: "job", Experiment: "e1", Path: "b.tiff", Error: "permission denied"},
	))
	require.NoError(t, store.Close())

	out, err := e.run(t, "history", "--experiment", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "a.tiff")
	assert.Contains(t, out, "permission denied")
	assert.Contains(t, out, "1 files (2.0 KiB), 1 failures")
}
