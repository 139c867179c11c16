package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/history"
	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/testsupport"
)

const nodeConfig = `
lims:
  baseUrl: %[1]s
runtime:
  stateDir: '%[2]s'
  tempDir: '%[3]s'
  stabilityWindowMs: 10000
  pathMappings:
    - from: 'X:\Krios'
      to: '%[4]s'
storages:
  cryo:
    type: local
    basePath: '%[5]s'
    server: cryo.local
  archive:
    type: ticket
    url: %[6]s
    basePath: archive
    ticket: t0
experimentTypes:
  - name: spa
    pattern: 'Krios\d/SPA'
    storage: cryo
    idleTimeoutSec: 60
    assignProcessing:
      cryosparc: gpu-1
    emails:
      JobStart:
        Template: job-start
    rules:
      - patterns: ["*.yml"]
        tags: [metadata]
modules:
  - type: job_lifecycle
  - type: archivation
    archiveStorage: archive
    emails:
      DataArchived:
        Template: archived
  - type: expiration
    emails:
      DataExpired:
        Template: expired
  - type: clean
    dryRun: false
`

type fixture struct {
	src, store, state string
	lims              *testsupport.FakeLims
	tickets           *testsupport.TicketStore
	clock             *clockwork.FakeClock
	cfg               *config.Config
	env               *Env
	history           *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		src:     t.TempDir(),
		store:   t.TempDir(),
		state:   t.TempDir(),
		lims:    testsupport.NewFakeLims(t, "token"),
		tickets: testsupport.NewTicketStore(t, "t0"),
		clock:   clockwork.NewFakeClockAt(time.Now().Truncate(time.Second)),
	}
	cfg, err := config.Parse([]byte(fmt.Sprintf(nodeConfig,
		f.lims.URL(), f.state, t.TempDir(), f.src, f.store, f.tickets.URL())))
	require.NoError(t, err)
	f.cfg = cfg

	client, err := lims.NewClient(f.lims.URL(), "token", time.Second)
	require.NoError(t, err)
	bolt, err := ledger.OpenBolt(filepath.Join(f.state, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	f.history, err = history.Open(cfg.Runtime.HistoryDbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.history.Close() })

	f.env = &Env{Config: cfg, Lims: client, History: f.history, Bolt: bolt, Clock: f.clock}
	return f
}

func (f *fixture) module(t *testing.T, typ string) config.ModuleCfg {
	t.Helper()
	for _, m := range f.cfg.Modules {
		if m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %s module", typ)
	return config.ModuleCfg{}
}

// write creates a file below root aged by age against the fake clock.
func (f *fixture) write(t *testing.T, root, rel, content string, age time.Duration) {
	t.Helper()
	testsupport.WriteFile(t, filepath.Join(root, filepath.FromSlash(rel)), []byte(content), f.clock.Now().Add(-age))
}

func experimentDoc(id, state string, storage map[string]any) map[string]any {
	return map[string]any{
		"Id":             id,
		"SecondaryId":    "S-" + id,
		"State":          state,
		"InstrumentName": "Krios1",
		"Technique":      "SPA",
		"NotifyUser":     true,
		"DtCreated":      "2026-01-01T00:00:00Z",
		"Storage":        storage,
		"Processing":     map[string]any{"State": "Disabled"},
	}
}

func readDoc(t *testing.T, p string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, yaml.Unmarshal(b, &doc))
	return doc
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
