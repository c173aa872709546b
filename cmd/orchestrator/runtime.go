package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/gate"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/orchestrator"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/sandbox"
	"github.com/vinayprograms/orchestrator/internal/store"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

// runtime holds everything a command needs to drive executions.
type runtime struct {
	cfg        *config.Config
	configPath string // empty when running on defaults
	logger     *logging.Logger
	pinLevel   bool // --log-level wins over reloads

	tools   *tools.Registry
	sandbox *sandbox.Runner
	gate    *gate.Gate
	bus     *events.Bus
	store   store.Store // nil when storage.driver = "none"
	bridge  *events.NATSBridge
	orch    *orchestrator.Orchestrator

	shutdownTracing func(context.Context) error
}

// loadConfig reads the config named by --config, or ./orchestrator.toml when
// present, or the defaults.
func loadConfig(g *Globals) (*config.Config, string, error) {
	if g.Config != "" {
		cfg, err := config.LoadFile(g.Config)
		return cfg, g.Config, err
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, "", err
	}
	if _, statErr := os.Stat(config.DefaultFile); statErr == nil {
		return cfg, config.DefaultFile, nil
	}
	return cfg, "", nil
}

// newLogger builds the root logger honoring --log-level over the config.
func newLogger(g *Globals, cfg *config.Config, out io.Writer) *logging.Logger {
	logger := logging.New()
	logger.SetOutput(out)
	level := cfg.Logging.Level
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	logger.SetLevel(logging.ParseLevel(level))
	return logger
}

// openStore opens the configured recorder, or returns nil for driver "none".
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Driver == "none" {
		return nil, nil
	}
	path := cfg.StoragePath()
	if cfg.Storage.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return store.Open(cfg.Storage.Driver, path)
}

// loadTools returns the builtin tools plus Lua tools from [tools] script_dir.
func loadTools(cfg *config.Config, logger *logging.Logger) (*tools.Registry, error) {
	reg := tools.NewBuiltinRegistry()
	if cfg.Tools.ScriptDir == "" {
		return reg, nil
	}
	names, err := reg.RegisterLuaDir(cfg.Tools.ScriptDir)
	if err != nil {
		return nil, fmt.Errorf("loading lua tools: %w", err)
	}
	if len(names) > 0 {
		logger.Info("lua tools loaded", map[string]interface{}{"dir": cfg.Tools.ScriptDir, "tools": names})
	}
	return reg, nil
}

// newRuntime wires the orchestrator from config. Close must be called.
func newRuntime(ctx context.Context, g *Globals, out io.Writer) (*runtime, error) {
	cfg, path, err := loadConfig(g)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(g, cfg, out)
	rt := &runtime{cfg: cfg, configPath: path, logger: logger, pinLevel: g.LogLevel != ""}

	rt.shutdownTracing, err = telemetry.Setup(ctx, cfg.TelemetrySettings())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if rt.tools, err = loadTools(cfg, logger); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	limits, err := cfg.SandboxLimits()
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	ttl, err := cfg.TokenTTL()
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	retention, err := cfg.TokenRetention()
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.sandbox = sandbox.NewRunner(limits, logger)
	rt.gate = gate.New(gate.WithTTL(ttl), gate.WithRetention(retention),
		gate.WithPhrase(cfg.Confirmation.Phrase), gate.WithLogger(logger))
	rt.bus = events.NewBus(logger)

	if rt.store, err = openStore(cfg); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if cfg.Events.NATSURL != "" {
		rt.bridge, err = events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, rt.bus, logger)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	oc := orchestrator.Config{
		Tools:   rt.tools,
		Sandbox: rt.sandbox,
		Gate:    rt.gate,
		Bus:     rt.bus,
		Logger:  logger,
	}
	if rt.store != nil {
		oc.Recorder = rt.store
	}
	if cfg.Planner.Library != "" {
		lib, err := plan.LoadLibrary(cfg.Planner.Library)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		oc.Planner = lib
	}
	rt.orch = orchestrator.New(oc)
	return rt, nil
}

// apply pushes reloadable settings into the running components.
func (rt *runtime) apply(cfg *config.Config) error {
	limits, err := cfg.SandboxLimits()
	if err != nil {
		return err
	}
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return err
	}
	rt.sandbox.SetLimits(limits)
	rt.gate.SetPhrase(cfg.Confirmation.Phrase)
	rt.gate.SetTTL(ttl)
	if !rt.pinLevel {
		rt.logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}
	rt.logger.Info("config reloaded", map[string]interface{}{
		"default_timeout":  limits.DefaultTimeout.String(),
		"max_output_bytes": limits.MaxOutputBytes,
	})
	return nil
}

// Close waits for running executions, then releases resources in reverse
// order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.orch != nil {
		if err := rt.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for executions: %w", err))
		}
	}
	if rt.bridge != nil {
		if err := rt.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.shutdownTracing != nil {
		if err := rt.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
