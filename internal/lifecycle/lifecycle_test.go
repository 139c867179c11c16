package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/testsupport"
)

func TestMachineRunsHandlerOncePerStateChange(t *testing.T) {
	state := "idle"
	calls := map[string]int{}
	m := &Machine[string]{
		State: func(context.Context) (string, error) { return state, nil },
		Handlers: map[string]Handler{
			"start": func(context.Context) error { calls["start"]++; state = "running"; return nil },
			"running": func(context.Context) error {
				calls["running"]++
				return nil
			},
			"idle": func(context.Context) error { calls["idle"]++; return nil },
		},
		Steady: map[string]bool{"running": true},
	}
	ctx := context.Background()
	require.NoError(t, m.Step(ctx))
	require.NoError(t, m.Step(ctx))
	assert.Equal(t, 1, calls["idle"])

	state = "start"
	require.NoError(t, m.Step(ctx))
	assert.Equal(t, 1, calls["start"])
	assert.Equal(t, 1, calls["running"])

	require.NoError(t, m.Step(ctx))
	assert.Equal(t, 2, calls["running"])
	cur, ok := m.Current()
	assert.True(t, ok)
	assert.Equal(t, "running", cur)
}

func TestMachineRetriesFailedHandler(t *testing.T) {
	fail := true
	calls := 0
	m := &Machine[string]{
		State: func(context.Context) (string, error) { return "start", nil },
		Handlers: map[string]Handler{"start": func(context.Context) error {
			calls++
			if fail {
				return errors.New("lims down")
			}
			return nil
		}},
	}
	assert.Error(t, m.Step(context.Background()))
	fail = false
	assert.NoError(t, m.Step(context.Background()))
	assert.NoError(t, m.Step(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.src, "e1/grid1/a.tiff", "frames", time.Minute)
	f.write(t, f.src, "e1/fresh.tiff", "still writing", time.Second)
	f.write(t, f.src, "e1/notes.yml", "sample: apoferritin\n", time.Minute)
	f.write(t, f.src, "e1/run.log", "log", time.Minute)
	doc := experimentDoc("e1", "StartRequested", map[string]any{
		"State":           "Uninitialized",
		"SourceDirectory": `X:\Krios\e1`,
		"SourcePatterns":  []any{".tiff"},
		"KeepSourceFiles": true,
	})
	doc["Processing"] = map[string]any{"State": "Ready", "ProcessingEngine": "cryosparc"}
	f.lims.AddExperiment(doc)

	jl := NewJobLifecycle(f.env, "job_lifecycle")
	ctx := context.Background()
	require.NoError(t, jl.Tick(ctx))

	assert.Equal(t, "Active", f.lims.Field("e1", "State"))
	assert.Equal(t, "Transfering", f.lims.Field("e1", "Storage/State"))
	assert.Equal(t, "cryo.local", f.lims.Field("e1", "Storage/Target"))
	assert.Equal(t, filepath.Join(f.store, "e1"), f.lims.Field("e1", "Storage/Path"))
	assert.Equal(t, "gpu-1", f.lims.Field("e1", "Processing/Node"))
	emails := f.lims.Emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "job-start", emails[0].Body["Template"])

	dst := filepath.Join(f.store, "e1")
	assert.True(t, exists(filepath.Join(dst, "grid1", "a.tiff")))
	assert.True(t, exists(filepath.Join(f.src, "e1", "grid1", "a.tiff")))
	assert.False(t, exists(filepath.Join(dst, "fresh.tiff")))
	assert.False(t, exists(filepath.Join(dst, "run.log")))
	assert.False(t, exists(filepath.Join(f.src, "e1", "notes.yml")))

	meta := readDoc(t, filepath.Join(dst, "experiment.yml"))
	assert.Equal(t, "e1", meta["ExperimentId"])
	assert.Equal(t, "Krios1", meta["Instrument"])
	assert.Equal(t, "apoferritin", meta["sample"])

	entries, err := ledger.ReadFile(filepath.Join(f.state, "ledgers", "_e1-raw.yml"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "grid1/a.tiff", entries[0].Path)
	recent, err := f.history.Recent(ctx, "e1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "raw", recent[0].Session)

	// The fresh file becomes ready once the stability window passed.
	f.clock.Advance(30 * time.Second)
	require.NoError(t, jl.Tick(ctx))
	assert.True(t, exists(filepath.Join(dst, "fresh.tiff")))
	assert.Equal(t, "Active", f.lims.Field("e1", "State"))

	// Nothing new for longer than the idle timeout stops and finishes the job.
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, jl.Tick(ctx))
	assert.Equal(t, "Finished", f.lims.Field("e1", "State"))
	assert.Equal(t, "Idle", f.lims.Field("e1", "Storage/State"))
	assert.Len(t, f.lims.Emails(), 1)

	require.NoError(t, jl.Tick(ctx))
	assert.Empty(t, jl.jobs)
}

func TestJobMovesWhenSourceFilesAreNotKept(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.src, "e2/a.tiff", "frames", time.Minute)
	doc := experimentDoc("e2", "StartRequested", map[string]any{
		"State":           "Uninitialized",
		"SourceDirectory": `X:\Krios\e2`,
		"SourcePatterns":  []any{"*.tiff"},
		"KeepSourceFiles": false,
	})
	doc["NotifyUser"] = false
	f.lims.AddExperiment(doc)

	require.NoError(t, NewJobLifecycle(f.env, "jobs").Tick(context.Background()))
	assert.True(t, exists(filepath.Join(f.store, "e2", "a.tiff")))
	assert.False(t, exists(filepath.Join(f.src, "e2", "a.tiff")))
	assert.Nil(t, f.lims.Field("e2", "Processing/Node"))
	assert.Empty(t, f.lims.Emails())
}

func TestJobLifecycleIgnoresForeignExperiments(t *testing.T) {
	f := newFixture(t)
	doc := experimentDoc("g1", "StartRequested", map[string]any{"State": "Uninitialized"})
	doc["InstrumentName"] = "Glacios"
	f.lims.AddExperiment(doc)

	require.NoError(t, NewJobLifecycle(f.env, "jobs").Tick(context.Background()))
	assert.Equal(t, "StartRequested", f.lims.Field("g1", "State"))
}

func TestArchivation(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.store, "e3/grid1/a.tiff", "frames", time.Hour)
	f.write(t, f.store, "e3/experiment.yml", "ExperimentId: e3\n", time.Hour)
	f.lims.AddExperiment(experimentDoc("e3", "Finished", map[string]any{"State": "ArchivationRequested"}))

	require.NoError(t, NewArchivation(f.env, f.module(t, "archivation")).Tick(context.Background()))

	got, ok := f.tickets.Object("archive/e3", "grid1/a.tiff")
	require.True(t, ok)
	assert.Equal(t, "frames", string(got))
	_, ok = f.tickets.Object("archive/e3", "experiment.yml")
	assert.True(t, ok)
	assert.False(t, exists(filepath.Join(f.store, "e3")))

	assert.Equal(t, "Archived", f.lims.Field("e3", "Storage/State"))
	assert.Equal(t, "archive", f.lims.Field("e3", "Storage/StorageEngine"))
	assert.Equal(t, "/archive/e3", f.lims.Field("e3", "Storage/Path"))
	assert.Equal(t, "read-1", f.lims.Field("e3", "Storage/Token"))
	emails := f.lims.Emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "archived", emails[0].Body["Template"])

	recent, err := f.history.Recent(context.Background(), "e3", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestArchivationFailureReverts(t *testing.T) {
	f := newFixture(t)
	f.tickets.FailPut = func(string) bool { return true }
	f.write(t, f.store, "e3/a.tiff", "frames", time.Hour)
	f.lims.AddExperiment(experimentDoc("e3", "Finished", map[string]any{"State": "ArchivationRequested"}))

	err := NewArchivation(f.env, f.module(t, "archivation")).Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ArchivationRequested", f.lims.Field("e3", "Storage/State"))
	assert.True(t, exists(filepath.Join(f.store, "e3", "a.tiff")))
	assert.Empty(t, f.lims.Emails())
}

func TestArchivationKeepsWorkingCopyUntilEveryFileIsArchived(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.store, "e3/a.tiff", "frames", time.Hour)
	f.write(t, f.store, "e3/b.tiff", "frames", time.Hour)
	growing := filepath.Join(f.store, "e3", "b.tiff")
	// b.tiff grows after its stability check, while a.tiff is uploaded
	f.tickets.FailPut = func(rel string) bool {
		if rel == "a.tiff" {
			_ = os.WriteFile(growing, []byte("frames still being written"), 0o644)
		}
		return false
	}
	f.lims.AddExperiment(experimentDoc("e3", "Finished", map[string]any{"State": "ArchivationRequested"}))

	err := NewArchivation(f.env, f.module(t, "archivation")).Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not archived yet")
	assert.Equal(t, "ArchivationRequested", f.lims.Field("e3", "Storage/State"))
	assert.True(t, exists(growing))
	assert.Empty(t, f.lims.Emails())
}

func TestArchivationRevertsWhenArchiveAccessFails(t *testing.T) {
	f := newFixture(t)
	f.tickets.FailTickets = true
	f.write(t, f.store, "e3/a.tiff", "frames", time.Hour)
	f.lims.AddExperiment(experimentDoc("e3", "Finished", map[string]any{"State": "ArchivationRequested"}))

	err := NewArchivation(f.env, f.module(t, "archivation")).Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ArchivationRequested", f.lims.Field("e3", "Storage/State"))
	assert.True(t, exists(filepath.Join(f.store, "e3", "a.tiff")))
	assert.Empty(t, f.lims.Emails())
}

func TestExpiration(t *testing.T) {
	f := newFixture(t)
	f.tickets.SetObject("archive/e4", "a.tiff", []byte("frames"), time.Now())
	f.lims.AddExperiment(experimentDoc("e4", "Finished", map[string]any{
		"State":         "ExpirationRequested",
		"StorageEngine": "archive",
		"Token":         "read-9",
	}))
	f.write(t, f.store, "e5/a.tiff", "frames", time.Hour)
	e5 := experimentDoc("e5", "Finished", map[string]any{"State": "ExpirationRequested"})
	e5["NotifyUser"] = false
	f.lims.AddExperiment(e5)

	require.NoError(t, NewExpiration(f.env, f.module(t, "expiration")).Tick(context.Background()))

	assert.False(t, f.tickets.HasCollection("archive/e4"))
	assert.Equal(t, "Expired", f.lims.Field("e4", "Storage/State"))
	assert.Nil(t, f.lims.Field("e4", "Storage/Token"))
	assert.False(t, exists(filepath.Join(f.store, "e5")))
	assert.Equal(t, "Expired", f.lims.Field("e5", "Storage/State"))
	emails := f.lims.Emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "e4", emails[0].ExperimentID)
	assert.Equal(t, "expired", emails[0].Body["Template"])
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	old := 8 * 24 * time.Hour
	f.write(t, f.src, "old/a.tiff", "x", old)
	testsupport.Touch(t, filepath.Join(f.src, "old"), f.clock.Now().Add(-old))
	f.write(t, f.src, "fresh/a.tiff", "x", time.Hour)
	f.write(t, f.src, "busy/a.tiff", "x", old)
	testsupport.Touch(t, filepath.Join(f.src, "busy"), f.clock.Now().Add(-old))

	f.lims.AddExperiment(experimentDoc("old", "Finished", map[string]any{"State": "Idle", "SourceDirectory": `X:\Krios\old`}))
	f.lims.AddExperiment(experimentDoc("fresh", "Finished", map[string]any{"State": "Idle", "SourceDirectory": `X:\Krios\fresh`}))
	f.lims.AddExperiment(experimentDoc("busy", "Active", map[string]any{"State": "Transfering", "SourceDirectory": `X:\Krios\busy`}))
	f.lims.AddExperiment(experimentDoc("gone", "Finished", map[string]any{"State": "Idle", "SourceDirectory": `X:\Krios\gone`}))

	module := f.module(t, "clean")
	dry := true
	dryModule := module
	dryModule.DryRun = &dry
	require.NoError(t, NewClean(f.env, dryModule).Tick(context.Background()))
	assert.True(t, exists(filepath.Join(f.src, "old")))
	assert.Equal(t, `X:\Krios\old`, f.lims.Field("old", "Storage/SourceDirectory"))

	require.NoError(t, NewClean(f.env, module).Tick(context.Background()))
	assert.False(t, exists(filepath.Join(f.src, "old")))
	assert.Nil(t, f.lims.Field("old", "Storage/SourceDirectory"))
	assert.True(t, exists(filepath.Join(f.src, "fresh")))
	assert.Equal(t, `X:\Krios\fresh`, f.lims.Field("fresh", "Storage/SourceDirectory"))
	assert.True(t, exists(filepath.Join(f.src, "busy")))
	assert.Nil(t, f.lims.Field("gone", "Storage/SourceDirectory"))
}

func TestNewService(t *testing.T) {
	f := newFixture(t)
	for _, m := range f.cfg.Modules {
		s, err := NewService(f.env, m)
		require.NoError(t, err)
		assert.Equal(t, m.Name, s.Name())
	}
	m := f.module(t, "clean")
	m.Type = "print"
	_, err := NewService(f.env, m)
	assert.Error(t, err)
}

func TestExpandPattern(t *testing.T) {
	assert.Equal(t, "**/*.tiff", expandPattern(".tiff"))
	assert.Equal(t, "*.tiff", expandPattern("*.tiff"))
	assert.Equal(t, "raw/x.eer", expandPattern("raw/x.eer"))
	assert.Equal(t, `re:\.eer$`, expandPattern(`re:\.eer$`))
}
