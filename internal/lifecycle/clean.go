package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/observability"
)

// Clean removes instrument source directories nobody wrote to for a while
// and clears them from their experiments. Running jobs are left alone.
type Clean struct {
	env    *Env
	module config.ModuleCfg
	fs     afero.Fs
}

func NewClean(env *Env, module config.ModuleCfg) *Clean {
	return &Clean{env: env, module: module, fs: afero.NewOsFs()}
}

func (c *Clean) Name() string { return c.module.Name }

func (c *Clean) dryRun() bool { return c.module.DryRun == nil || *c.module.DryRun }

func (c *Clean) Tick(ctx context.Context) error {
	exps, err := c.env.Lims.Experiments(ctx, lims.Query{WithSourceDir: true})
	if err != nil {
		return fmt.Errorf("list source directories: %w", err)
	}
	var errs []error
	for _, exp := range exps {
		if _, ok := c.env.Config.ExperimentType(exp.Type()); !ok {
			continue
		}
		switch exp.State {
		case lims.JobStartRequested, lims.JobActive, lims.JobStopRequested:
			continue
		}
		if err := c.clean(ctx, exp); err != nil {
			c.env.logger().Errorw("source clean failed", observability.ExperimentKey, exp.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", exp.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Clean) clean(ctx context.Context, exp lims.Experiment) error {
	log := c.env.logger()
	dir := c.env.Config.TranslatePath(exp.Storage.SourceDirectory)
	if _, err := c.fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
		log.Infow("source directory gone, clearing it", observability.ExperimentKey, exp.ID, "dir", dir)
		return c.clear(ctx, exp.ID)
	} else if err != nil {
		return err
	}
	newest, err := c.newest(dir)
	if err != nil {
		return err
	}
	age := c.env.clock().Since(newest)
	if age < time.Duration(c.module.CleanAfterSec)*time.Second {
		return nil
	}
	if c.dryRun() {
		log.Infow("would remove source directory", observability.ExperimentKey, exp.ID, "dir", dir, "age", age.String())
		return nil
	}
	if err := c.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	log.Infow("source directory removed", observability.ExperimentKey, exp.ID, "dir", dir, "age", age.String())
	return c.clear(ctx, exp.ID)
}

// newest is the latest modification time below dir, dir itself included.
func (c *Clean) newest(dir string) (time.Time, error) {
	var newest time.Time
	err := afero.Walk(c.fs, dir, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

func (c *Clean) clear(ctx context.Context, id string) error {
	return c.env.Lims.PatchExperiment(ctx, id, map[string]any{"Storage": map[string]any{"SourceDirectory": nil}})
}
