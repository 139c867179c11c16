package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/observability"
)

// Expiration deletes the data of experiments whose retention ended.
type Expiration struct {
	env    *Env
	module config.ModuleCfg
}

func NewExpiration(env *Env, module config.ModuleCfg) *Expiration {
	return &Expiration{env: env, module: module}
}

func (x *Expiration) Name() string { return x.module.Name }

func (x *Expiration) Tick(ctx context.Context) error {
	exps, err := x.env.Lims.Experiments(ctx, lims.Query{StorageState: lims.StorageExpirationRequested})
	if err != nil {
		return fmt.Errorf("list expiration requests: %w", err)
	}
	var errs []error
	for _, exp := range exps {
		if _, ok := x.env.Config.ExperimentType(exp.Type()); !ok {
			continue
		}
		if err := x.expire(ctx, exp); err != nil {
			x.env.logger().Errorw("expiration failed", observability.ExperimentKey, exp.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", exp.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (x *Expiration) expire(ctx context.Context, exp lims.Experiment) error {
	sess, err := x.env.Open(exp)
	if err != nil {
		return err
	}
	if err := x.setState(ctx, exp.ID, lims.StorageExpiring); err != nil {
		return err
	}
	if err := sess.Storage.Purge(ctx); err != nil {
		if rerr := x.setState(ctx, exp.ID, lims.StorageExpirationRequested); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	if err := x.env.Lims.PatchExperiment(ctx, exp.ID, map[string]any{"Storage": map[string]any{
		"State":  lims.StorageExpired,
		"Target": nil,
		"Path":   nil,
		"Token":  nil,
	}}); err != nil {
		return err
	}
	x.env.logger().Infow("experiment data expired", observability.ExperimentKey, exp.ID, "storage", sess.StorageName)
	x.env.email(ctx, exp, x.module.Emails, EmailDataExpired)
	return nil
}

func (x *Expiration) setState(ctx context.Context, id string, state lims.StorageState) error {
	return x.env.Lims.PatchExperiment(ctx, id, map[string]any{"Storage": map[string]any{"State": state}})
}
