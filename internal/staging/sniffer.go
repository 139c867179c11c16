// Package staging polls a storage for rule-matched files and hands each
// file to a consumer once it has been quiet for a stability window.
package staging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

// Consumer handles one ready file. Returning an error wrapping
// transfer.ErrNotStable leaves the file for a later pass silently.
type Consumer func(ctx context.Context, m storage.Match) error

// Options tune a sniffer.
type Options struct {
	// StabilityWindow is how long a file must stay unmodified.
	StabilityWindow time.Duration
	// ReconsumeOnChange offers files again once they change after being consumed.
	ReconsumeOnChange bool
	Clock             clockwork.Clock
	Logger            transfer.Logger
}

// Consumed is a file handed to the consumer in this pass.
type Consumed struct {
	Path string
	At   time.Time
}

// Sniffer finds ready files in a source.
type Sniffer struct {
	src     storage.Source
	rules   *rules.RuleSet
	ledger  ledger.Ledger
	consume Consumer
	opts    Options
}

// New returns a sniffer. A nil ledger keeps state for the process only.
func New(src storage.Source, rs *rules.RuleSet, led ledger.Ledger, consume Consumer, opts Options) *Sniffer {
	if led == nil {
		led = ledger.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Sniffer{src: src, rules: rs, ledger: led, consume: consume, opts: opts}
}

// Ledger returns the ledger of the sniffer.
func (s *Sniffer) Ledger() ledger.Ledger { return s.ledger }

// SniffAndConsume runs one pass and returns the newly consumed files ordered
// by consumption time. A failing file does not stop the pass.
func (s *Sniffer) SniffAndConsume(ctx context.Context) ([]Consumed, []storage.FileError) {
	matches, err := s.src.Enumerate(ctx, s.rules)
	if err != nil {
		return nil, []storage.FileError{{Err: fmt.Errorf("enumerate: %w", err)}}
	}
	var (
		consumed []Consumed
		errs     []storage.FileError
	)
	ready := s.readyGroups(matches)
	for _, m := range matches {
		if ctx.Err() != nil {
			errs = append(errs, storage.FileError{Err: ctx.Err()})
			break
		}
		if storage.IsInternal(m.Path) {
			continue
		}
		if !ready[groupOf(m)] {
			continue
		}
		now := s.opts.Clock.Now()
		if !s.shouldConsume(m) {
			continue
		}
		if err := s.consume(ctx, m); err != nil {
			if errors.Is(err, transfer.ErrNotStable) {
				s.opts.Logger.Debugw("file not stable yet", "path", m.Path)
				continue
			}
			s.opts.Logger.Warnw("consuming file failed", "path", m.Path, "error", err)
			errs = append(errs, storage.FileError{Path: m.Path, Err: err})
			continue
		}
		if err := s.ledger.Record(m.Path, now); err != nil {
			errs = append(errs, storage.FileError{Path: m.Path, Err: fmt.Errorf("record ledger: %w", err)})
			continue
		}
		consumed = append(consumed, Consumed{Path: m.Path, At: now})
	}
	sort.SliceStable(consumed, func(i, j int) bool { return consumed[i].At.Before(consumed[j].At) })
	return consumed, errs
}

type group struct {
	rule    *rules.Rule
	primary string
}

func groupOf(m storage.Match) group {
	primary := m.Primary
	if primary == "" {
		primary = m.Path
	}
	return group{rule: m.Rule, primary: primary}
}

// readyGroups reports which companion groups have been quiet for the
// stability window. A group is only ready once every member is, so a
// companion is never consumed ahead of a primary still being written.
func (s *Sniffer) readyGroups(matches []storage.Match) map[group]bool {
	now := s.opts.Clock.Now()
	ready := make(map[group]bool, len(matches))
	for _, m := range matches {
		g := groupOf(m)
		quiet := now.Sub(m.ModTime) > s.opts.StabilityWindow
		if prev, seen := ready[g]; seen {
			ready[g] = prev && quiet
			continue
		}
		ready[g] = quiet
	}
	return ready
}

func (s *Sniffer) shouldConsume(m storage.Match) bool {
	if m.Rule.Condition == rules.Always {
		return true
	}
	at, seen := s.ledger.Lookup(m.Path)
	reconsume := s.opts.ReconsumeOnChange || m.Rule.Condition == rules.IfNewer
	return ledger.ShouldConsume(at, seen, m.ModTime, reconsume)
}
