package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/history"
	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/observability"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

// Tags the job lifecycle acts on.
const (
	TagRaw      = "raw"
	TagMetadata = "metadata"
)

var (
	// ErrUnknownType means no configured experiment type matches.
	ErrUnknownType = errors.New("no experiment type configured")
	// ErrNoSource means the experiment has no source directory.
	ErrNoSource = errors.New("experiment has no source directory")
)

// LimsAPI is the part of the LIMS client the services use.
type LimsAPI interface {
	Experiments(ctx context.Context, q lims.Query) ([]lims.Experiment, error)
	Experiment(ctx context.Context, id string) (lims.Experiment, error)
	PatchExperiment(ctx context.Context, id string, changes map[string]any) error
	SendEmail(ctx context.Context, id string, email lims.Email) error
}

// Env carries what every service needs. History and Bolt are optional.
type Env struct {
	Config  *config.Config
	Lims    LimsAPI
	History *history.Store
	Bolt    *ledger.BoltStore
	Logger  transfer.Logger
	Clock   clockwork.Clock
}

func (e *Env) logger() transfer.Logger {
	if e.Logger == nil {
		e.Logger = zap.NewNop().Sugar()
	}
	return e.Logger
}

func (e *Env) clock() clockwork.Clock {
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	return e.Clock
}

func (e *Env) tempDir() string {
	if e.Config.Runtime.TempDir != "" {
		return e.Config.Runtime.TempDir
	}
	return os.TempDir()
}

func (e *Env) engineOptions() transfer.Options {
	return transfer.Options{
		Workers:                e.Config.Runtime.Workers,
		MaxConsecutiveFailures: e.Config.Runtime.MaxConsecutiveFailures,
		Clock:                  e.clock(),
		Logger:                 e.logger(),
		TempDir:                e.tempDir(),
	}
}

func (e *Env) record(ctx context.Context, session, experiment string, results []transfer.Result, errs []storage.FileError) {
	if e.History == nil || (len(results) == 0 && len(errs) == 0) {
		return
	}
	entries := make([]history.Entry, 0, len(results)+len(errs))
	for _, r := range results {
		entries = append(entries, history.FromResult(session, experiment, r))
	}
	for _, fe := range errs {
		entries = append(entries, history.FromError(session, experiment, fe))
	}
	if err := e.History.Record(ctx, entries...); err != nil {
		e.logger().Warnw("record transfer history failed", observability.ExperimentKey, experiment, "error", err)
	}
}

func (e *Env) email(ctx context.Context, exp lims.Experiment, emails map[string]lims.Email, event string) {
	if !exp.NotifyUser {
		return
	}
	msg, ok := emails[event]
	if !ok {
		return
	}
	if err := e.Lims.SendEmail(ctx, exp.ID, msg); err != nil {
		e.logger().Warnw("send e-mail failed", observability.ExperimentKey, exp.ID, "event", event, "error", err)
	}
}

// Session is an experiment opened against the node configuration.
type Session struct {
	Exp     lims.Experiment
	Type    *config.ExperimentType
	Rules   *rules.RuleSet
	Storage storage.Backend
	// StorageName is the configured storage holding the experiment.
	StorageName string

	env *Env
}

// Open resolves the experiment type, storage and rules of exp. An
// experiment naming a configured storage engine is opened there instead of
// the type's storage.
func (e *Env) Open(exp lims.Experiment) (*Session, error) {
	t, ok := e.Config.ExperimentType(exp.Type())
	if !ok {
		return nil, fmt.Errorf("%s: %w", exp.Type(), ErrUnknownType)
	}
	name := t.Storage
	if _, ok := e.Config.Storages[exp.Storage.Engine]; ok {
		name = exp.Storage.Engine
	}
	backend, err := storage.Open(e.Config.Storages[name], exp.ID)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", name, err)
	}
	rs, err := t.RuleSet()
	if err != nil {
		return nil, err
	}
	if len(exp.Storage.SourcePatterns) > 0 {
		patterns := make([]string, 0, len(exp.Storage.SourcePatterns))
		for _, p := range exp.Storage.SourcePatterns {
			patterns = append(patterns, expandPattern(p))
		}
		raw, err := rules.Spec{Patterns: patterns, Tags: []string{TagRaw}, Target: ".", KeepTree: true, Subfiles: rules.AnySubfiles}.Build()
		if err != nil {
			return nil, fmt.Errorf("experiment source patterns: %w", err)
		}
		rs = rs.Append(raw)
	}
	if !exp.Storage.KeepSourceFiles {
		rs = rs.Map(func(r *rules.Rule) *rules.Rule {
			if r.HasTags(TagRaw) {
				return r.WithAction(rules.Move)
			}
			return r
		})
	}
	return &Session{Exp: exp, Type: t, Rules: rs, Storage: backend, StorageName: name, env: e}, nil
}

// Source opens the instrument directory of the experiment.
func (s *Session) Source() (*storage.Local, error) {
	if s.Exp.Storage.SourceDirectory == "" {
		return nil, ErrNoSource
	}
	return storage.NewLocal(s.env.Config.TranslatePath(s.Exp.Storage.SourceDirectory), "")
}

// LedgerPath is where the raw transfer ledger of the experiment lives.
func (s *Session) LedgerPath() string {
	return filepath.Join(s.env.Config.Runtime.StateDir, "ledgers", storage.InternalPrefix+s.Exp.ID+"-raw.yml")
}

func (s *Session) log() transfer.Logger { return s.env.logger() }

// expandPattern turns a bare suffix such as ".tiff" into a recursive glob.
func expandPattern(p string) string {
	if strings.HasPrefix(p, "re:") || strings.ContainsAny(p, "/*") {
		return p
	}
	return "**/*" + p
}
