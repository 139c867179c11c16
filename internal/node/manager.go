// Package node runs the configured modules of a node: one supervisor per
// enabled module ticks its service on an interval and whenever the watched
// instrument directories change.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/lifecycle"
	"github.com/Roelanb/limsnode/internal/watch"
)

// DefaultDebounce is the quiet time after directory activity before a
// module is nudged.
const DefaultDebounce = 2 * time.Second

// Factory builds the service of one module for a given configuration.
type Factory func(cfg *config.Config, m config.ModuleCfg) (lifecycle.Service, error)

// observabilityLogger is minimal interface from zap.SugaredLogger we use.
type observabilityLogger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Manager owns per-module supervisors.
type Manager struct {
	log      observabilityLogger
	factory  Factory
	debounce time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	modules map[string]*supervisor
	cfg     *config.Config

	// reason per module if it couldn't be started
	notStartedReasons map[string]string
}

// NewManager creates a manager building services with factory.
func NewManager(logger observabilityLogger, factory Factory, debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		log:               logger,
		factory:           factory,
		debounce:          debounce,
		clock:             clockwork.NewRealClock(),
		modules:           map[string]*supervisor{},
		notStartedReasons: map[string]string{},
	}
}

// ApplyConfig restarts the supervisors to match cfg.Modules. Services hold
// the configuration they were built with, so every running module restarts.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, sup := range m.modules {
		sup.stop()
		delete(m.modules, name)
	}
	m.cfg = cfg
	m.notStartedReasons = map[string]string{}

	var errs []error
	for _, mod := range cfg.Modules {
		if !mod.Enabled {
			continue
		}
		svc, err := m.factory(cfg, mod)
		if err != nil {
			m.notStartedReasons[mod.Name] = err.Error()
			m.log.Warnw("module not started", "module", mod.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		m.modules[mod.Name] = m.start(ctx, cfg, mod, svc)
		m.log.Infow("module started", "module", mod.Name, "type", mod.Type, "intervalSec", mod.IntervalSec)
	}
	return errors.Join(errs...)
}

// Nudge asks a running module to tick now. It reports whether the module runs.
func (m *Manager) Nudge(name string) bool {
	m.mu.Lock()
	sup, ok := m.modules[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sup.poke()
	return true
}

// Stop stops every supervisor and waits for running ticks to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, sup := range m.modules {
		sup.stop()
		delete(m.modules, name)
	}
}

// ModuleView is the externally visible state of a configured module.
type ModuleView struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Enabled    bool       `json:"enabled"`
	Running    bool       `json:"running"`
	Interval   int        `json:"intervalSec"`
	WatchDirs  []string   `json:"watchDirs,omitempty"`
	Runs       int        `json:"runs"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	WatchError string     `json:"watchError,omitempty"`
	NotStarted string     `json:"notStartedReason,omitempty"`
}

// Snapshot returns a summary of the configured modules.
func (m *Manager) Snapshot() []ModuleView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ModuleView{}
	if m.cfg == nil {
		return out
	}
	for _, mod := range m.cfg.Modules {
		v := ModuleView{
			Name:      mod.Name,
			Type:      mod.Type,
			Enabled:   mod.Enabled,
			Interval:  mod.IntervalSec,
			WatchDirs: mod.WatchDirs,
		}
		if sup, ok := m.modules[mod.Name]; ok {
			v.Running = true
			sup.mu.Lock()
			v.Runs = sup.runs
			if !sup.lastRun.IsZero() {
				at := sup.lastRun
				v.LastRun = &at
			}
			v.LastError = sup.lastError
			v.WatchError = sup.watchError
			sup.mu.Unlock()
		} else if rsn, ok := m.notStartedReasons[mod.Name]; ok {
			v.NotStarted = rsn
		}
		out = append(out, v)
	}
	return out
}

type supervisor struct {
	name   string
	svc    lifecycle.Service
	nudge  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runs       int
	lastRun    time.Time
	lastError  string
	watchError string
}

func (m *Manager) start(parent context.Context, cfg *config.Config, mod config.ModuleCfg, svc lifecycle.Service) *supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &supervisor{
		name:   mod.Name,
		svc:    svc,
		nudge:  make(chan struct{}, 1),
		cancel: cancel,
	}

	var events <-chan watch.Event
	if len(mod.WatchDirs) > 0 {
		dirs := make([]string, 0, len(mod.WatchDirs))
		for _, d := range mod.WatchDirs {
			dirs = append(dirs, cfg.TranslatePath(d))
		}
		w, err := watch.New(watch.Options{Directories: dirs, Debounce: m.debounce, Recursive: true, Logger: m.log})
		if err == nil {
			events, err = w.Start(ctx)
		}
		if err != nil {
			// Interval ticks still run; the directory may show up later.
			s.watchError = err.Error()
			m.log.Warnw("module watch not started", "module", mod.Name, "error", err)
		}
	}

	interval := time.Duration(mod.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.tick(ctx, m.log)
			if !s.wait(ctx, ticker.Chan(), &events, m.log) {
				return
			}
		}
	}()
	return s
}

// wait blocks until the next tick is due. It returns false once ctx is done.
func (s *supervisor) wait(ctx context.Context, tick <-chan time.Time, events *<-chan watch.Event, log observabilityLogger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick:
			return true
		case <-s.nudge:
			return true
		case ev, ok := <-*events:
			if !ok {
				*events = nil
				continue
			}
			log.Debugw("module nudged by directory change", "module", s.name, "paths", len(ev.Paths))
			return true
		}
	}
}

func (s *supervisor) tick(ctx context.Context, log observabilityLogger) {
	started := time.Now()
	err := s.svc.Tick(ctx)
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.runs++
	s.lastRun = started
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	if err != nil {
		log.Errorw("module tick failed", "module", s.name, "error", err, "elapsed", time.Since(started).String())
		return
	}
	log.Debugw("module tick done", "module", s.name, "elapsed", time.Since(started).String())
}

func (s *supervisor) poke() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *supervisor) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
