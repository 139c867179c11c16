// Package transfer moves rule-matched files from a source storage to a
// target storage concurrently, with write-stability gating, optional
// checksum verification and move semantics.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/workpool"
)

// Logger is the subset of zap.SugaredLogger the engine uses.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Strategy is how bytes travel for one engine, chosen from which sides
// resolve to local paths.
type Strategy int

const (
	Direct Strategy = iota
	Upload
	Download
	Relay
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "relay"
	}
}

// Options tune an engine. Zero values get defaults.
type Options struct {
	// Workers bounds concurrent copy, checksum and delete operations.
	Workers int
	// MaxConsecutiveFailures ends a pass early. Zero means 10, negative disables.
	MaxConsecutiveFailures int
	Clock                  clockwork.Clock
	Logger                 Logger
	// TempDir holds relay files. Defaults to os.TempDir().
	TempDir string
}

// Result is the outcome of one transferred file.
type Result struct {
	Path       string
	TargetPath string
	Rule       *rules.Rule
	// Elapsed covers the stability wait, the copy and verification.
	Elapsed time.Duration
	// TransferTime is the pure copy time.
	TransferTime time.Duration
	Size         int64
	ModTime      time.Time
	// Checksum names the algorithm used for verification, if any.
	Checksum string
	// Colocated is set when no bytes had to move.
	Colocated bool
}

// Engine transfers files matched by rules from src to dst.
type Engine struct {
	src      storage.Source
	dst      storage.Target
	rules    *rules.RuleSet
	ledger   ledger.Ledger
	opts     Options
	strategy Strategy
}

// New validates the storage pair and selects the transfer strategy. A nil
// ledger keeps state in memory.
func New(src storage.Source, dst storage.Target, rs *rules.RuleSet, led ledger.Ledger, opts Options) (*Engine, error) {
	if src == nil || dst == nil {
		return nil, errors.New("source and target are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 10
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if led == nil {
		led = ledger.NewMemory()
	}
	srcRoot, srcLocal := src.ResolveLocalPath(".")
	dstRoot, dstLocal := dst.ResolveLocalPath(".")
	e := &Engine{src: src, dst: dst, rules: rs, ledger: led, opts: opts}
	switch {
	case srcLocal && dstLocal:
		if srcRoot == dstRoot {
			return nil, fmt.Errorf("%s: %w", srcRoot, ErrSameLocation)
		}
		e.strategy = Direct
	case srcLocal:
		e.strategy = Upload
	case dstLocal:
		e.strategy = Download
	default:
		e.strategy = Relay
	}
	return e, nil
}

// Strategy reports the selected strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Ledger returns the ledger the engine records into.
func (e *Engine) Ledger() ledger.Ledger { return e.ledger }

type outcome struct {
	match storage.Match
	res   Result
	err   error
}

// TransferAll runs one pass: it enumerates the source, schedules every file
// the rule conditions admit and collects outcomes as they complete. Per-file
// failures are returned in the error list. Files that changed while being
// copied are left for a later pass and appear in neither list.
func (e *Engine) TransferAll(ctx context.Context) ([]Result, []storage.FileError) {
	matches, err := e.src.Enumerate(ctx, e.rules)
	if err != nil {
		return nil, []storage.FileError{{Err: fmt.Errorf("enumerate source: %w", err)}}
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := workpool.NewPaused(e.opts.Workers)
	var wg, queued sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		pool.Close()
	}()

	var (
		results []Result
		errs    []storage.FileError
	)
	outcomes := make(chan outcome, len(matches))
	scheduled := 0
	for _, m := range matches {
		if storage.IsInternal(m.Path) {
			continue
		}
		target := m.Rule.TranslateToTarget(m.Path)
		at, seen := e.ledger.Lookup(m.Path)
		if !ledger.ShouldTransfer(m.Rule.Condition, at, seen, m.ModTime) {
			continue
		}
		if e.src.IsColocated(e.dst, m.Path, target) {
			res := Result{Path: m.Path, TargetPath: target, Rule: m.Rule, Size: m.Size, ModTime: m.ModTime, Colocated: true}
			if err := e.ledger.Record(m.Path, e.opts.Clock.Now()); err != nil {
				errs = append(errs, storage.FileError{Path: m.Path, Err: fmt.Errorf("record ledger: %w", err)})
				continue
			}
			e.opts.Logger.Debugw("colocated, nothing to copy", "path", m.Path, "target", target)
			results = append(results, res)
			continue
		}
		if m.Rule.Condition == rules.IfMissing && e.targetHas(ctx, target) {
			e.opts.Logger.Debugw("already at target", "path", m.Path, "target", target)
			continue
		}
		scheduled++
		prio := int64(scheduled)
		wg.Add(1)
		queued.Add(1)
		go func(m storage.Match, target string) {
			defer wg.Done()
			res, err := e.transferUnit(ctx, pool, prio, m, target, sync.OnceFunc(queued.Done))
			outcomes <- outcome{match: m, res: res, err: err}
		}(m, target)
	}
	// Workers start once every unit has reached the pool or is still waiting
	// for its file to settle, so discovery order decides who goes first.
	queued.Wait()
	pool.Start()

	failures, processed := 0, 0
	for processed < scheduled {
		var o outcome
		select {
		case o = <-outcomes:
		case <-ctx.Done():
			errs = append(errs, storage.FileError{Err: fmt.Errorf("pass cancelled after %d of %d files: %w", processed, scheduled, ctx.Err())})
			return results, errs
		}
		processed++
		err := o.err
		if err == nil {
			if rerr := e.ledger.Record(o.match.Path, e.opts.Clock.Now()); rerr != nil {
				err = fmt.Errorf("record ledger: %w", rerr)
			}
		}
		switch {
		case err == nil:
			failures = 0
			results = append(results, o.res)
			e.opts.Logger.Infow("transferred",
				"path", o.res.Path, "target", o.res.TargetPath,
				"size", humanize.Bytes(uint64(o.res.Size)),
				"elapsed", o.res.Elapsed.String(), "copy", o.res.TransferTime.String(),
				"checksum", o.res.Checksum, "strategy", e.strategy.String())
			continue
		case errors.Is(err, ErrNotStable):
			e.opts.Logger.Debugw("file changed during transfer, retry later", "path", o.match.Path)
			continue
		}
		failures++
		errs = append(errs, storage.FileError{Path: o.match.Path, Err: err})
		e.opts.Logger.Errorw("transfer failed", "path", o.match.Path, "error", err, "consecutiveFailures", failures)
		if limit := e.opts.MaxConsecutiveFailures; limit > 0 && failures >= limit {
			abort := &AbortError{Failures: failures, Processed: processed, Scheduled: scheduled}
			errs = append(errs, storage.FileError{Err: abort})
			e.opts.Logger.Errorw("giving up on pass", "error", abort)
			return results, errs
		}
	}
	return results, errs
}

// TransferFile transfers one enumerated file now, ignoring rule conditions.
// The ledger is updated on success.
func (e *Engine) TransferFile(ctx context.Context, m storage.Match) (Result, error) {
	target := m.Rule.TranslateToTarget(m.Path)
	if e.src.IsColocated(e.dst, m.Path, target) {
		if err := e.ledger.Record(m.Path, e.opts.Clock.Now()); err != nil {
			return Result{}, fmt.Errorf("record ledger: %w", err)
		}
		return Result{Path: m.Path, TargetPath: target, Rule: m.Rule, Size: m.Size, ModTime: m.ModTime, Colocated: true}, nil
	}
	pool := workpool.New(e.opts.Workers)
	defer pool.Close()
	res, err := e.transferUnit(ctx, pool, 0, m, target, func() {})
	if err != nil {
		return Result{}, err
	}
	if err := e.ledger.Record(m.Path, e.opts.Clock.Now()); err != nil {
		return Result{}, fmt.Errorf("record ledger: %w", err)
	}
	return res, nil
}

func (e *Engine) targetHas(ctx context.Context, target string) bool {
	_, err := e.dst.Stat(ctx, target)
	return err == nil
}

// transferUnit moves one file. queued is called once the unit no longer
// holds back the pool start, at the latest when it returns.
func (e *Engine) transferUnit(ctx context.Context, pool *workpool.Pool, prio int64, m storage.Match, target string, queued func()) (Result, error) {
	defer queued()
	clock := e.opts.Clock
	start := clock.Now()
	rule := m.Rule

	stable, err := e.waitStable(ctx, m.Path, rule.Delay, queued)
	if err != nil {
		return Result{}, err
	}

	var copyTime time.Duration
	job := pool.Submit(ctx, prio, func(ctx context.Context) error {
		t0 := clock.Now()
		if err := e.copy(ctx, m.Path, target); err != nil {
			return fmt.Errorf("copy to %s: %w", target, err)
		}
		copyTime = clock.Since(t0)
		after, err := e.src.Stat(ctx, m.Path)
		if err != nil {
			return fmt.Errorf("restat source: %w", err)
		}
		if after.Size != stable.Size || !after.ModTime.Equal(stable.ModTime) {
			return fmt.Errorf("%s: %w", m.Path, ErrNotStable)
		}
		return nil
	})
	queued()
	if err := job.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{
		Path:         m.Path,
		TargetPath:   target,
		Rule:         rule,
		TransferTime: copyTime,
		Size:         stable.Size,
		ModTime:      stable.ModTime,
	}
	if rule.Checksum {
		algo, err := e.verify(ctx, pool, prio, m.Path, target)
		if err != nil {
			return Result{}, err
		}
		res.Checksum = algo
	}

	if rule.Action == rules.Move {
		if err := sleep(ctx, clock, rule.DelDelay); err != nil {
			return Result{}, err
		}
		err := pool.Do(ctx, prio, func(ctx context.Context) error {
			return e.src.Delete(ctx, m.Path)
		})
		if err != nil {
			e.opts.Logger.Warnw("delete after move failed, source kept", "path", m.Path, "error", err)
		}
	}
	res.Elapsed = clock.Since(start)
	return res, nil
}

// waitStable polls the source until size and mtime agree on two consecutive
// checks delay apart. unsettled is called when a check sees a change.
func (e *Engine) waitStable(ctx context.Context, rel string, delay time.Duration, unsettled func()) (storage.FileInfo, error) {
	prev, err := e.src.Stat(ctx, rel)
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("stat source: %w", err)
	}
	for {
		if err := sleep(ctx, e.opts.Clock, delay); err != nil {
			return storage.FileInfo{}, err
		}
		cur, err := e.src.Stat(ctx, rel)
		if err != nil {
			return storage.FileInfo{}, fmt.Errorf("stat source: %w", err)
		}
		if cur.Size == prev.Size && cur.ModTime.Equal(prev.ModTime) {
			return cur, nil
		}
		unsettled()
		prev = cur
	}
}

func (e *Engine) copy(ctx context.Context, rel, target string) error {
	switch e.strategy {
	case Direct, Upload:
		local, _ := e.src.ResolveLocalPath(rel)
		return e.dst.Put(ctx, target, local)
	case Download:
		local, _ := e.dst.ResolveLocalPath(target)
		return e.src.Get(ctx, rel, local)
	default:
		tmp, err := os.CreateTemp(e.opts.TempDir, storage.InternalPrefix+"relay-*")
		if err != nil {
			return fmt.Errorf("create relay file: %w", err)
		}
		tmpPath := tmp.Name()
		_ = tmp.Close()
		defer os.Remove(tmpPath)
		if err := e.src.Get(ctx, rel, tmpPath); err != nil {
			return err
		}
		return e.dst.Put(ctx, target, tmpPath)
	}
}

// verify computes both digests concurrently on the pool.
func (e *Engine) verify(ctx context.Context, pool *workpool.Pool, prio int64, rel, target string) (string, error) {
	algo, ok := storage.PickChecksum(e.src, e.dst)
	if !ok {
		return "", ErrNoCommonChecksum
	}
	var srcSum, dstSum string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Do(gctx, prio, func(ctx context.Context) (err error) {
			srcSum, err = e.src.Checksum(ctx, rel, algo)
			return err
		})
	})
	g.Go(func() error {
		return pool.Do(gctx, prio, func(ctx context.Context) (err error) {
			dstSum, err = e.dst.Checksum(ctx, target, algo)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	if srcSum != dstSum {
		return "", &ChecksumError{Path: rel, Algorithm: algo, Source: srcSum, Target: dstSum}
	}
	return algo, nil
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
