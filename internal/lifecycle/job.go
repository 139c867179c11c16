package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/observability"
	"github.com/Roelanb/limsnode/internal/staging"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

// E-mail events.
const (
	EmailJobStart     = "JobStart"
	EmailDataArchived = "DataArchived"
	EmailDataExpired  = "DataExpired"
)

// JobLifecycle starts, runs and finishes data acquisition jobs.
type JobLifecycle struct {
	env  *Env
	name string

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	exp     lims.Experiment
	machine *Machine[lims.JobState]
}

func NewJobLifecycle(env *Env, name string) *JobLifecycle {
	return &JobLifecycle{env: env, name: name, jobs: map[string]*job{}}
}

func (j *JobLifecycle) Name() string { return j.name }

// Tick advances every job of a configured experiment type.
func (j *JobLifecycle) Tick(ctx context.Context) error {
	exps, err := j.env.Lims.Experiments(ctx, lims.Query{JobStates: []lims.JobState{
		lims.JobStartRequested, lims.JobActive, lims.JobStopRequested,
	}})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	seen := map[string]bool{}
	var errs []error
	for _, exp := range exps {
		if _, ok := j.env.Config.ExperimentType(exp.Type()); !ok {
			continue
		}
		seen[exp.ID] = true
		jb, ok := j.jobs[exp.ID]
		if !ok {
			jb = j.newJob(exp.ID)
			j.jobs[exp.ID] = jb
		}
		if err := jb.machine.Step(ctx); err != nil {
			j.env.logger().Errorw("job step failed", observability.ExperimentKey, exp.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", exp.ID, err))
		}
	}
	for id := range j.jobs {
		if !seen[id] {
			delete(j.jobs, id)
		}
	}
	return errors.Join(errs...)
}

func (j *JobLifecycle) newJob(id string) *job {
	jb := &job{}
	jb.machine = &Machine[lims.JobState]{
		State: func(ctx context.Context) (lims.JobState, error) {
			exp, err := j.env.Lims.Experiment(ctx, id)
			if err != nil {
				return "", err
			}
			jb.exp = exp
			return exp.State, nil
		},
		Handlers: map[lims.JobState]Handler{
			lims.JobStartRequested: func(ctx context.Context) error { return j.start(ctx, jb.exp) },
			lims.JobActive:         func(ctx context.Context) error { return j.run(ctx, jb.exp) },
			lims.JobStopRequested:  func(ctx context.Context) error { return j.finish(ctx, jb.exp) },
		},
		Steady: map[lims.JobState]bool{lims.JobActive: true},
	}
	return jb
}

func (j *JobLifecycle) start(ctx context.Context, exp lims.Experiment) error {
	sess, err := j.env.Open(exp)
	if err != nil {
		return err
	}
	if err := sess.Storage.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}
	if _, err := sess.RestoreMetadata(ctx, nil); err != nil {
		return err
	}
	info, err := sess.Storage.AccessInfo(ctx)
	if err != nil {
		return err
	}
	patch := map[string]any{
		"State": lims.JobActive,
		"Storage": map[string]any{
			"State":         lims.StorageTransfering,
			"Target":        info.Target,
			"Path":          info.Path,
			"Token":         info.Token,
			"DtLastUpdated": j.env.clock().Now().UTC(),
		},
	}
	if p := exp.Processing; p.State != lims.ProcessingDisabled && (p.Node == "" || p.Node == "any") {
		if node, ok := sess.Type.AssignProcessing[p.Engine]; ok {
			patch["Processing"] = map[string]any{"Node": node}
		}
	}
	if err := j.env.Lims.PatchExperiment(ctx, exp.ID, patch); err != nil {
		return err
	}
	j.env.logger().Infow("job started", observability.ExperimentKey, exp.ID,
		"storage", sess.StorageName, "path", info.Path)
	j.env.email(ctx, exp, sess.Type.Emails, EmailJobStart)
	return nil
}

func (j *JobLifecycle) run(ctx context.Context, exp lims.Experiment) error {
	sess, err := j.env.Open(exp)
	if err != nil {
		return err
	}
	transferred, err := j.transfer(ctx, sess)
	if err != nil {
		return err
	}
	now := j.env.clock().Now().UTC()
	if transferred > 0 {
		return j.env.Lims.PatchExperiment(ctx, exp.ID, map[string]any{
			"Storage": map[string]any{"DtLastUpdated": now},
		})
	}
	idle := time.Duration(sess.Type.IdleTimeoutSec) * time.Second
	if idle <= 0 {
		return nil
	}
	last := exp.DtCreated
	if exp.Storage.DtLastUpdated != nil {
		last = *exp.Storage.DtLastUpdated
	}
	if now.Sub(last) <= idle {
		return nil
	}
	j.env.logger().Infow("no new data, stopping job", observability.ExperimentKey, exp.ID,
		"idleFor", now.Sub(last).String())
	return j.env.Lims.PatchExperiment(ctx, exp.ID, map[string]any{"State": lims.JobStopRequested})
}

// transfer ingests metadata and moves ready raw files to the experiment
// storage. It returns the number of files handled.
func (j *JobLifecycle) transfer(ctx context.Context, sess *Session) (int, error) {
	src, err := sess.Source()
	if err != nil {
		return 0, err
	}
	log := j.env.logger()
	id := sess.Exp.ID

	meta, metaErrs := sess.IngestMetadata(ctx, src)
	for _, fe := range metaErrs {
		log.Warnw("metadata ingestion failed", observability.ExperimentKey, id, "path", fe.Path, "error", fe.Err)
	}

	raw := sess.Rules.WithTags(TagRaw)
	if raw.Len() == 0 {
		return len(meta), nil
	}
	led, err := ledger.OpenFile(sess.LedgerPath())
	if err != nil {
		return 0, err
	}
	defer led.Close()
	eng, err := transfer.New(src, sess.Storage, raw, nil, j.env.engineOptions())
	if err != nil {
		return 0, err
	}
	var results []transfer.Result
	consume := func(ctx context.Context, m storage.Match) error {
		res, err := eng.TransferFile(ctx, m)
		if err != nil {
			return err
		}
		results = append(results, res)
		return nil
	}
	sn := staging.New(src, raw, led, consume, staging.Options{
		StabilityWindow:   j.env.Config.StabilityWindow(),
		ReconsumeOnChange: j.env.Config.Runtime.ReconsumeOnChange,
		Clock:             j.env.clock(),
		Logger:            log,
	})
	consumed, errs := sn.SniffAndConsume(ctx)
	for _, fe := range errs {
		log.Warnw("raw transfer failed", observability.ExperimentKey, id, "path", fe.Path, "error", fe.Err)
	}
	j.env.record(ctx, "raw", id, results, errs)
	if len(consumed) > 0 {
		log.Infow("raw data transferred", observability.ExperimentKey, id,
			"files", len(consumed), "failed", len(errs), "strategy", eng.Strategy().String())
	}
	return len(meta) + len(consumed), nil
}

func (j *JobLifecycle) finish(ctx context.Context, exp lims.Experiment) error {
	sess, err := j.env.Open(exp)
	if err != nil {
		return err
	}
	if _, err := j.transfer(ctx, sess); err != nil && !errors.Is(err, ErrNoSource) {
		j.env.logger().Warnw("final transfer failed", observability.ExperimentKey, exp.ID, "error", err)
	}
	if err := j.env.Lims.PatchExperiment(ctx, exp.ID, map[string]any{
		"State":   lims.JobFinished,
		"Storage": map[string]any{"State": lims.StorageIdle},
	}); err != nil {
		return err
	}
	if j.env.Bolt != nil {
		if err := j.env.Bolt.DropSession(metadataSession(exp.ID)); err != nil {
			j.env.logger().Warnw("drop metadata ledger failed", observability.ExperimentKey, exp.ID, "error", err)
		}
	}
	j.env.logger().Infow("job finished", observability.ExperimentKey, exp.ID)
	return nil
}
