package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/observability"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

// Archivation copies requested experiments to the archive storage and
// purges them from their working storage.
type Archivation struct {
	env    *Env
	module config.ModuleCfg
}

func NewArchivation(env *Env, module config.ModuleCfg) *Archivation {
	return &Archivation{env: env, module: module}
}

func (a *Archivation) Name() string { return a.module.Name }

func (a *Archivation) Tick(ctx context.Context) error {
	exps, err := a.env.Lims.Experiments(ctx, lims.Query{StorageState: lims.StorageArchivationRequested})
	if err != nil {
		return fmt.Errorf("list archivation requests: %w", err)
	}
	var errs []error
	for _, exp := range exps {
		if _, ok := a.env.Config.ExperimentType(exp.Type()); !ok {
			continue
		}
		if err := a.archive(ctx, exp); err != nil {
			a.env.logger().Errorw("archivation failed", observability.ExperimentKey, exp.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", exp.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Archivation) archive(ctx context.Context, exp lims.Experiment) error {
	sess, err := a.env.Open(exp)
	if err != nil {
		return err
	}
	if sess.StorageName == a.module.ArchiveStorage {
		return fmt.Errorf("experiment already in archive storage %s", sess.StorageName)
	}
	dst, err := storage.Open(a.env.Config.Storages[a.module.ArchiveStorage], exp.ID)
	if err != nil {
		return err
	}
	if !sess.Storage.Accessible(ctx) || !dst.Accessible(ctx) {
		a.env.logger().Warnw("storage not reachable, archivation postponed", observability.ExperimentKey, exp.ID)
		return nil
	}
	if err := a.setState(ctx, exp.ID, lims.StorageArchiving); err != nil {
		return err
	}
	if err := a.handOver(ctx, sess, dst); err != nil {
		if rerr := a.setState(ctx, exp.ID, lims.StorageArchivationRequested); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	if err := sess.Storage.Purge(ctx); err != nil {
		a.env.logger().Warnw("purge after archivation failed", observability.ExperimentKey, exp.ID, "error", err)
	}
	a.env.logger().Infow("experiment archived", observability.ExperimentKey, exp.ID, "archive", a.module.ArchiveStorage)
	a.env.email(ctx, exp, a.module.Emails, EmailDataArchived)
	return nil
}

// handOver copies the experiment and points the LIMS at the archive copy.
func (a *Archivation) handOver(ctx context.Context, sess *Session, dst storage.Backend) error {
	if err := a.copy(ctx, sess, dst); err != nil {
		return err
	}
	info, err := dst.AccessInfo(ctx)
	if err != nil {
		return fmt.Errorf("archive access: %w", err)
	}
	return a.env.Lims.PatchExperiment(ctx, sess.Exp.ID, map[string]any{"Storage": map[string]any{
		"State":         lims.StorageArchived,
		"StorageEngine": a.module.ArchiveStorage,
		"Target":        info.Target,
		"Path":          info.Path,
		"Token":         info.Token,
	}})
}

// copy transfers every file of the working storage. It fails unless each
// file is accounted for, since a successful copy is followed by a purge.
func (a *Archivation) copy(ctx context.Context, sess *Session, dst storage.Backend) error {
	if err := dst.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare archive: %w", err)
	}
	everything, err := rules.Spec{Patterns: []string{"**/*"}, Condition: rules.Always, Checksum: true}.Build()
	if err != nil {
		return err
	}
	rs := rules.NewRuleSet(everything)
	eng, err := transfer.New(sess.Storage, dst, rs, nil, a.env.engineOptions())
	if err != nil {
		return err
	}
	results, errs := eng.TransferAll(ctx)
	a.env.record(ctx, "archive", sess.Exp.ID, results, errs)
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d files failed, first: %w", len(errs), len(results)+len(errs), errs[0])
	}

	matches, err := sess.Storage.Enumerate(ctx, rs)
	if err != nil {
		return fmt.Errorf("list working storage: %w", err)
	}
	done := make(map[string]struct{}, len(results))
	for _, r := range results {
		done[r.Path] = struct{}{}
	}
	missing := 0
	for _, m := range matches {
		if _, ok := done[m.Path]; !ok && !storage.IsInternal(m.Path) {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d files not archived yet: %w", missing, len(matches), transfer.ErrNotStable)
	}
	return nil
}

func (a *Archivation) setState(ctx context.Context, id string, state lims.StorageState) error {
	return a.env.Lims.PatchExperiment(ctx, id, map[string]any{"Storage": map[string]any{"State": state}})
}
