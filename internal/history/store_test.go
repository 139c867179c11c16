package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

func TestRecordAndRecent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx,
		FromResult("raw-e1", "e1", transfer.Result{Path: "a.tif", TargetPath: "raw/a.tif", Size: 2048, Checksum: "sha256", Elapsed: 3 * time.Second, TransferTime: time.Second}),
		FromResult("raw-e1", "e1", transfer.Result{Path: "b.tif", Size: 1024, Colocated: true}),
		FromError("raw-e1", "e1", storage.FileError{Path: "c.tif", Err: errors.New("disk full")}),
		FromResult("raw-e2", "e2", transfer.Result{Path: "x.tif", Size: 1}),
	))

	all, err := s.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "x.tif", all[0].Path)

	e1, err := s.Recent(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, e1, 2)
	assert.Equal(t, "c.tif", e1[0].Path)
	assert.Equal(t, "disk full", e1[0].Error)
	assert.True(t, e1[1].Colocated)
	assert.False(t, e1[1].At.IsZero())

	first, err := s.Recent(ctx, "e1", 3)
	require.NoError(t, err)
	a := first[2]
	assert.Equal(t, "raw/a.tif", a.TargetPath)
	assert.Equal(t, "sha256", a.Checksum)
	assert.Equal(t, 3*time.Second, a.Elapsed)
	assert.Equal(t, time.Second, a.TransferTime)

	bytes, files, failures, err := s.Totals(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3072), bytes)
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, failures)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
