package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/lifecycle"
)

type countingService struct {
	name string
	mu   sync.Mutex
	runs int
	err  error
}

func (s *countingService) Name() string { return s.name }

func (s *countingService) Tick(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	return s.err
}

func (s *countingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type registry struct {
	mu       sync.Mutex
	services map[string]*countingService
	fail     map[string]error
}

func (r *registry) factory(_ *config.Config, m config.ModuleCfg) (lifecycle.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[m.Name]; err != nil {
		return nil, err
	}
	svc := &countingService{name: m.Name}
	r.services[m.Name] = svc
	return svc, nil
}

func (r *registry) get(name string) *countingService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[name]
}

func newManager(t *testing.T) (*Manager, *registry) {
	t.Helper()
	r := &registry{services: map[string]*countingService{}, fail: map[string]error{}}
	m := NewManager(zap.NewNop().Sugar(), r.factory, 20*time.Millisecond)
	t.Cleanup(m.Stop)
	return m, r
}

func find(views []ModuleView, name string) ModuleView {
	for _, v := range views {
		if v.Name == name {
			return v
		}
	}
	return ModuleView{}
}

func TestApplyConfigStartsEnabledModules(t *testing.T) {
	m, r := newManager(t)
	r.fail["broken"] = errors.New("unknown archive storage")
	cfg := &config.Config{Modules: []config.ModuleCfg{
		{Name: "jobs", Type: config.ModuleJobLifecycle, Enabled: true, IntervalSec: 3600},
		{Name: "clean", Type: config.ModuleClean, IntervalSec: 3600},
		{Name: "broken", Type: config.ModuleArchivation, Enabled: true, IntervalSec: 3600},
	}}

	err := m.ApplyConfig(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown archive storage")

	require.NotNil(t, r.get("jobs"))
	assert.Nil(t, r.get("clean"))
	require.Eventually(t, func() bool { return find(m.Snapshot(), "jobs").Runs == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.get("jobs").count())

	views := m.Snapshot()
	require.Len(t, views, 3)
	jobs := find(views, "jobs")
	assert.True(t, jobs.Running)
	assert.Equal(t, 1, jobs.Runs)
	assert.NotNil(t, jobs.LastRun)
	assert.False(t, find(views, "clean").Running)
	assert.Equal(t, "unknown archive storage", find(views, "broken").NotStarted)
}

func TestNudgeTicksImmediately(t *testing.T) {
	m, r := newManager(t)
	cfg := &config.Config{Modules: []config.ModuleCfg{
		{Name: "jobs", Enabled: true, IntervalSec: 3600},
	}}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))
	require.Eventually(t, func() bool { return r.get("jobs").count() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.Nudge("jobs"))
	require.Eventually(t, func() bool { return r.get("jobs").count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, m.Nudge("missing"))
}

func TestTickErrorIsReported(t *testing.T) {
	m, r := newManager(t)
	cfg := &config.Config{Modules: []config.ModuleCfg{
		{Name: "jobs", Enabled: true, IntervalSec: 3600},
	}}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))
	require.Eventually(t, func() bool { return r.get("jobs").count() == 1 }, 5*time.Second, 10*time.Millisecond)

	svc := r.get("jobs")
	svc.mu.Lock()
	svc.err = errors.New("lims unavailable")
	svc.mu.Unlock()
	m.Nudge("jobs")
	require.Eventually(t, func() bool {
		return find(m.Snapshot(), "jobs").LastError == "lims unavailable"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchedDirectoryNudges(t *testing.T) {
	m, r := newManager(t)
	dir := t.TempDir()
	cfg := &config.Config{Modules: []config.ModuleCfg{
		{Name: "jobs", Enabled: true, IntervalSec: 3600, WatchDirs: []string{dir}},
		{Name: "blind", Enabled: true, IntervalSec: 3600, WatchDirs: []string{filepath.Join(dir, "missing")}},
	}}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))
	require.Eventually(t, func() bool { return r.get("jobs").count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie_001.tiff"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return r.get("jobs").count() >= 2 }, 5*time.Second, 10*time.Millisecond)

	blind := find(m.Snapshot(), "blind")
	assert.True(t, blind.Running)
	assert.NotEmpty(t, blind.WatchError)
}

func TestApplyConfigRestartsAndStops(t *testing.T) {
	m, r := newManager(t)
	cfg := &config.Config{Modules: []config.ModuleCfg{
		{Name: "jobs", Enabled: true, IntervalSec: 3600},
	}}
	require.NoError(t, m.ApplyConfig(context.Background(), cfg))
	first := r.get("jobs")

	require.NoError(t, m.ApplyConfig(context.Background(), &config.Config{}))
	assert.Empty(t, m.Snapshot())
	assert.False(t, m.Nudge("jobs"))

	require.NoError(t, m.ApplyConfig(context.Background(), cfg))
	assert.NotSame(t, first, r.get("jobs"))
}
