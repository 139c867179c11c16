package lifecycle

import (
	"context"
	"fmt"

	"github.com/Roelanb/limsnode/internal/config"
)

// Service is one periodically ticked node module.
type Service interface {
	Name() string
	Tick(ctx context.Context) error
}

// NewService builds the service of a configured module.
func NewService(env *Env, m config.ModuleCfg) (Service, error) {
	switch m.Type {
	case config.ModuleJobLifecycle:
		return NewJobLifecycle(env, m.Name), nil
	case config.ModuleArchivation:
		return NewArchivation(env, m), nil
	case config.ModuleExpiration:
		return NewExpiration(env, m), nil
	case config.ModuleClean:
		return NewClean(env, m), nil
	}
	return nil, fmt.Errorf("unsupported module type %q", m.Type)
}
