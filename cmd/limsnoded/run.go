package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Roelanb/limsnode/internal/api"
	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/history"
	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/lifecycle"
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/node"
	"github.com/Roelanb/limsnode/internal/observability"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, apiAddr)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "Control API listen address (overrides api.listen)")
	return cmd
}

func limsClient(cfg *config.Config) (*lims.Client, error) {
	return lims.NewClient(cfg.Lims.BaseURL, cfg.Lims.Token, time.Duration(cfg.Lims.TimeoutSec)*time.Second)
}

func runDaemon(parent context.Context, opts *rootOptions, apiAddr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	stateDir := cfg.Runtime.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock := flock.New(filepath.Join(stateDir, "limsnoded.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock state dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("another limsnoded owns %s", stateDir)
	}
	defer lock.Unlock() //nolint:errcheck

	var cores []zapcore.Core
	if cfg.Lims.ForwardLogs && cfg.Lims.BaseURL != "" {
		client, err := limsClient(cfg)
		if err != nil {
			return err
		}
		core := observability.NewLimsCore(client, observability.LimsCoreOptions{
			Level:  observability.ParseLevel(cfg.Lims.LogLevel),
			Origin: cfg.Node.Name,
		})
		defer core.Stop()
		cores = append(cores, core)
	}
	logger := observability.NewLogger(opts.level(cfg), cores...)
	defer logger.Sync() //nolint:errcheck
	logger.Infow("config loaded", "path", opts.configPath, "node", cfg.Node.Name, "modules", len(cfg.Modules), "version", version)

	bolt, err := ledger.OpenBolt(filepath.Join(stateDir, "state.db"))
	if err != nil {
		logger.Errorw("failed to open state store", "error", err)
		return err
	}
	defer bolt.Close()

	hist, err := history.Open(cfg.Runtime.HistoryDbPath)
	if err != nil {
		logger.Errorw("failed to open transfer history", "path", cfg.Runtime.HistoryDbPath, "error", err)
		return err
	}
	defer hist.Close()

	factory := func(cfg *config.Config, m config.ModuleCfg) (lifecycle.Service, error) {
		client, err := limsClient(cfg)
		if err != nil {
			return nil, err
		}
		env := &lifecycle.Env{Config: cfg, Lims: client, History: hist, Bolt: bolt, Logger: logger}
		return lifecycle.NewService(env, m)
	}
	manager := node.NewManager(logger, factory, 0)
	defer manager.Stop()
	if err := manager.ApplyConfig(ctx, cfg); err != nil {
		logger.Errorw("some modules did not start", "error", err)
	}

	if apiAddr == "" {
		apiAddr = cfg.API.Listen
	}
	ctrl := &controlPlane{logger: logger, manager: manager, history: hist, cfgPath: opts.configPath, cfg: cfg, ctx: ctx}
	apiSrv := api.New(logger, ctrl, apiAddr)
	if err := apiSrv.Start(ctx); err != nil {
		logger.Errorw("failed to start api server", "addr", apiAddr, "error", err)
		return err
	}

	<-ctx.Done()
	logger.Infow("signal received, shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = apiSrv.Shutdown(shCtx)
	manager.Stop()
	logger.Infow("shutdown complete")
	return nil
}

// controlPlane backs the control API with the running daemon.
type controlPlane struct {
	logger  *zap.SugaredLogger
	manager *node.Manager
	history *history.Store
	cfgPath string
	// ctx outlives API requests; supervisors started on reload run in it.
	ctx context.Context

	mu  sync.Mutex
	cfg *config.Config
}

func (c *controlPlane) ModulesSnapshot() any { return c.manager.Snapshot() }

func (c *controlPlane) RunModule(name string) bool { return c.manager.Nudge(name) }

func (c *controlPlane) Transfers(ctx context.Context, experiment string, limit int) (any, error) {
	return c.history.Recent(ctx, experiment, limit)
}

func (c *controlPlane) Reload(context.Context) error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	return c.apply(cfg)
}

func (c *controlPlane) GetConfig() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *controlPlane) ApplyConfig(_ context.Context, raw []byte) error {
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}
	// persist to disk to keep single source of truth
	if err := config.Save(c.cfgPath, cfg); err != nil {
		return err
	}
	return c.apply(cfg)
}

func (c *controlPlane) apply(cfg *config.Config) error {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Infow("applying config", "modules", len(cfg.Modules))
	return c.manager.ApplyConfig(c.ctx, cfg)
}
