package lims_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/testsupport"
)

func experiment(id, state, storageState, sourceDir string) map[string]any {
	return map[string]any{
		"Id":             id,
		"SecondaryId":    "S-" + id,
		"State":          state,
		"InstrumentName": "Krios1",
		"Technique":      "SPA",
		"NotifyUser":     true,
		"DtCreated":      "2026-01-02T03:04:05Z",
		"Project":        map[string]any{"Name": "ribosome"},
		"Storage": map[string]any{
			"State":           storageState,
			"SourceDirectory": sourceDir,
			"SourcePatterns":  []any{"*.tiff"},
			"KeepSourceFiles": false,
		},
		"Processing": map[string]any{"State": "Disabled"},
	}
}

func newClient(t *testing.T) (*lims.Client, *testsupport.FakeLims) {
	t.Helper()
	fake := testsupport.NewFakeLims(t, "secret")
	c, err := lims.NewClient(fake.URL(), "secret", time.Second)
	require.NoError(t, err)
	return c, fake
}

func TestExperimentsQuery(t *testing.T) {
	c, fake := newClient(t)
	fake.AddExperiment(experiment("e1", "StartRequested", "Uninitialized", "/data/e1"))
	fake.AddExperiment(experiment("e2", "Active", "Transfering", ""))
	fake.AddExperiment(experiment("e3", "Finished", "ArchivationRequested", "/data/e3"))

	got, err := c.Experiments(context.Background(), lims.Query{JobStates: []lims.JobState{lims.JobStartRequested, lims.JobActive}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "Krios1/SPA", got[0].Type())
	assert.Equal(t, []string{"*.tiff"}, got[0].Storage.SourcePatterns)
	assert.Equal(t, "ribosome", got[0].Raw["Project"].(map[string]any)["Name"])

	got, err = c.Experiments(context.Background(), lims.Query{StorageState: lims.StorageArchivationRequested})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].ID)

	got, err = c.Experiments(context.Background(), lims.Query{WithSourceDir: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/data/e3", got[1].Storage.SourceDirectory)
}

func TestPatchExperimentNested(t *testing.T) {
	c, fake := newClient(t)
	fake.AddExperiment(experiment("e1", "StartRequested", "Uninitialized", "/data/e1"))

	err := c.PatchExperiment(context.Background(), "e1", map[string]any{
		"State": lims.JobActive,
		"Storage": map[string]any{
			"State":  lims.StorageTransfering,
			"Target": "store.example",
			"Token":  nil,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Active", fake.Field("e1", "State"))
	assert.Equal(t, "Transfering", fake.Field("e1", "Storage/State"))
	assert.Equal(t, "store.example", fake.Field("e1", "Storage/Target"))
	assert.Equal(t, "/data/e1", fake.Field("e1", "Storage/SourceDirectory"))

	exp, err := c.Experiment(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, lims.StorageTransfering, exp.Storage.State)
}

func TestDictToPatch(t *testing.T) {
	ops := lims.DictToPatch(map[string]any{
		"b":   1,
		"a/x": map[string]any{"d": "v", "c": map[string]any{"e": true}},
	})
	require.Len(t, ops, 3)
	assert.Equal(t, lims.PatchOp{Op: "replace", Path: "/a~1x/c/e", Value: true}, ops[0])
	assert.Equal(t, "/a~1x/d", ops[1].Path)
	assert.Equal(t, "/b", ops[2].Path)
	assert.Empty(t, lims.DictToPatch(nil))
}

func TestEmailAndLogs(t *testing.T) {
	c, fake := newClient(t)
	fake.AddExperiment(experiment("e1", "Active", "Transfering", ""))

	require.NoError(t, c.SendEmail(context.Background(), "e1", lims.Email{Template: "JobStart"}))
	id := "e1"
	require.NoError(t, c.SubmitLogs(context.Background(), []lims.LogRecord{
		{ID: "r1", ExperimentID: &id, Dt: time.Now(), Origin: "node", Level: "Information", Message: "hello"},
	}))

	emails := fake.Emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "JobStart", emails[0].Body["Template"])
	logs := fake.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "e1", logs[0]["ExperimentId"])
	assert.Equal(t, "Information", logs[0]["Level"])
}

func TestErrors(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Experiment(context.Background(), "missing")
	assert.True(t, errors.Is(err, lims.ErrNotFound))

	fake := testsupport.NewFakeLims(t, "secret")
	bad, err := lims.NewClient(fake.URL(), "wrong", 0)
	require.NoError(t, err)
	_, err = bad.Experiments(context.Background(), lims.Query{})
	var se *lims.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 401, se.Status)
	assert.False(t, errors.Is(err, lims.ErrNotFound))

	_, err = lims.NewClient("not a url", "", 0)
	assert.Error(t, err)
}
