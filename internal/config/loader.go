package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ghodss/yaml"

	"github.com/Roelanb/limsnode/internal/rules"
)

// Load reads a JSON or YAML config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse parses a raw JSON or YAML config into Config, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	trimmed := bytes.TrimSpace(raw)
	var err error
	if bytes.HasPrefix(trimmed, []byte("{")) {
		err = json.Unmarshal(trimmed, &cfg)
	} else {
		err = yaml.Unmarshal(trimmed, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk, as YAML for .yml/.yaml paths and
// pretty-printed JSON otherwise.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("save config: path is empty")
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if b, err = yaml.JSONToYAML(b); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

const (
	defaultCleanAfter = 7 * 24 * time.Hour
	defaultInterval   = 10
)

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.Name = host
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Lims.TimeoutSec <= 0 {
		cfg.Lims.TimeoutSec = 5
	}
	if cfg.Lims.LogLevel == "" {
		cfg.Lims.LogLevel = "warn"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8080"
	}
	// Runtime defaults
	if cfg.Runtime.StateDir == "" {
		cfg.Runtime.StateDir = "/var/lib/limsnode"
	}
	if cfg.Runtime.Workers <= 0 {
		cfg.Runtime.Workers = 1
	}
	if cfg.Runtime.MaxConsecutiveFailures == 0 {
		cfg.Runtime.MaxConsecutiveFailures = 10
	}
	if cfg.Runtime.StabilityWindowMs == 0 {
		cfg.Runtime.StabilityWindowMs = 10000
	}
	if cfg.Runtime.HistoryDbPath == "" {
		cfg.Runtime.HistoryDbPath = filepath.Join(cfg.Runtime.StateDir, "history.db")
	}

	for i := range cfg.ExperimentTypes {
		t := &cfg.ExperimentTypes[i]
		if t.MetadataTarget == "" {
			t.MetadataTarget = "experiment.yml"
		}
	}
	for i := range cfg.Modules {
		m := &cfg.Modules[i]
		if m.Name == "" {
			m.Name = m.Type
		}
		if m.IntervalSec <= 0 {
			m.IntervalSec = defaultInterval
		}
		if m.Type == ModuleClean {
			if m.CleanAfterSec <= 0 {
				m.CleanAfterSec = int(defaultCleanAfter / time.Second)
			}
			if m.DryRun == nil {
				dry := true
				m.DryRun = &dry
			}
		}
	}
}

// Validate reports the first problem found, naming the offending entry.
func Validate(cfg *Config) error {
	if cfg.Version <= 0 {
		return errors.New("version must be > 0")
	}
	if !filepath.IsAbs(cfg.Runtime.StateDir) {
		return errors.New("runtime.stateDir must be absolute")
	}
	if cfg.Runtime.Workers <= 0 {
		return errors.New("runtime.workers must be >= 1")
	}
	if cfg.Runtime.StabilityWindowMs < 0 {
		return errors.New("runtime.stabilityWindowMs must be >= 0")
	}
	if cfg.Runtime.TempDir != "" && !filepath.IsAbs(cfg.Runtime.TempDir) {
		return errors.New("runtime.tempDir must be absolute if set")
	}
	for i, pm := range cfg.Runtime.PathMappings {
		if pm.From == "" || pm.To == "" {
			return fmt.Errorf("runtime.pathMappings[%d]: from and to are required", i)
		}
	}
	for name, sc := range cfg.Storages {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("storages[%s]: %w", name, err)
		}
	}

	names := map[string]struct{}{}
	for i, t := range cfg.ExperimentTypes {
		if t.Name == "" {
			return fmt.Errorf("experimentTypes[%d]: name is required", i)
		}
		if _, ok := names[t.Name]; ok {
			return fmt.Errorf("experimentTypes[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = struct{}{}
		if t.Pattern == "" {
			return fmt.Errorf("experimentTypes[%s]: pattern is required", t.Name)
		}
		if _, err := regexp.Compile(t.Pattern); err != nil {
			return fmt.Errorf("experimentTypes[%s]: pattern: %w", t.Name, err)
		}
		if _, ok := cfg.Storages[t.Storage]; !ok {
			return fmt.Errorf("experimentTypes[%s]: unknown storage %q", t.Name, t.Storage)
		}
		if t.IdleTimeoutSec < 0 {
			return fmt.Errorf("experimentTypes[%s]: idleTimeoutSec must be >= 0", t.Name)
		}
		if _, err := rules.BuildAll(t.Rules); err != nil {
			return fmt.Errorf("experimentTypes[%s].%w", t.Name, err)
		}
	}

	modules := map[string]struct{}{}
	for i, m := range cfg.Modules {
		if _, ok := modules[m.Name]; ok {
			return fmt.Errorf("modules[%d]: duplicate name %q", i, m.Name)
		}
		modules[m.Name] = struct{}{}
		switch m.Type {
		case ModuleJobLifecycle, ModuleExpiration:
		case ModuleArchivation:
			if _, ok := cfg.Storages[m.ArchiveStorage]; !ok {
				return fmt.Errorf("modules[%s]: unknown archiveStorage %q", m.Name, m.ArchiveStorage)
			}
		case ModuleClean:
			if m.CleanAfterSec <= 0 {
				return fmt.Errorf("modules[%s]: cleanAfterSec must be > 0", m.Name)
			}
		default:
			return fmt.Errorf("modules[%d]: unsupported type %q", i, m.Type)
		}
		for j, dir := range m.WatchDirs {
			if !filepath.IsAbs(cfg.TranslatePath(dir)) {
				return fmt.Errorf("modules[%s].watchDirs[%d]: must be absolute after path mapping", m.Name, j)
			}
		}
	}
	if len(cfg.Modules) > 0 && cfg.Lims.BaseURL == "" {
		return errors.New("lims.baseUrl is required when modules are configured")
	}
	return nil
}

// ExperimentType returns the first experiment type whose pattern matches
// expType ("Instrument/Technique") at its start.
func (c *Config) ExperimentType(expType string) (*ExperimentType, bool) {
	for i := range c.ExperimentTypes {
		t := &c.ExperimentTypes[i]
		if ok, _ := regexp.MatchString("^(?:"+t.Pattern+")", expType); ok {
			return t, true
		}
	}
	return nil, false
}

// RuleSet compiles the configured rules of the type.
func (t *ExperimentType) RuleSet() (*rules.RuleSet, error) {
	return rules.BuildAll(t.Rules)
}

// StabilityWindow is the configured readiness window.
func (c *Config) StabilityWindow() time.Duration {
	return time.Duration(c.Runtime.StabilityWindowMs) * time.Millisecond
}

// TranslatePath maps an instrument path through the first matching path
// mapping. Matching ignores case and the separator style.
func (c *Config) TranslatePath(p string) string {
	norm := strings.ReplaceAll(p, `\`, "/")
	for _, pm := range c.Runtime.PathMappings {
		from := strings.TrimRight(strings.ReplaceAll(pm.From, `\`, "/"), "/")
		if len(norm) < len(from) || !strings.EqualFold(norm[:len(from)], from) {
			continue
		}
		rest := norm[len(from):]
		if rest != "" && rest[0] != '/' {
			continue
		}
		to := strings.TrimRight(strings.ReplaceAll(pm.To, `\`, "/"), "/")
		return filepath.FromSlash(to + rest)
	}
	return p
}
