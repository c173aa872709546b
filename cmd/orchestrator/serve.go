package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/orchestrator/internal/api"
	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/fanout"
)

// shutdownGrace bounds how long serve waits for running executions on exit.
const shutdownGrace = 30 * time.Second

// Run serves the API until interrupted.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, g, os.Stdout)
	if err != nil {
		return err
	}
	logger := rt.logger.WithComponent("serve")

	registry := fanout.NewRegistry(rt.logger)
	detach := registry.Attach(rt.bus)
	defer detach()

	listen := rt.cfg.Server.Listen
	if c.Listen != "" {
		listen = c.Listen
	}
	srv := &api.Server{
		Orchestrator:   rt.orch,
		Fanout:         registry,
		Logger:         rt.logger.WithComponent("api"),
		AuthToken:      rt.cfg.GetAuthToken(),
		AllowedOrigins: rt.cfg.Server.AllowedOrigins,
	}
	if rt.store != nil {
		srv.History = rt.store
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweep, _ := rt.cfg.SweepInterval()
	go rt.orch.SweepEvery(ctx, sweep)

	if c.Watch && rt.configPath != "" {
		w, err := config.Watch(rt.configPath,
			func(cfg *config.Config) {
				if err := rt.apply(cfg); err != nil {
					logger.Warn("config reload rejected", map[string]interface{}{"error": err.Error()})
				}
			},
			func(err error) {
				logger.Warn("config reload failed", map[string]interface{}{"error": err.Error()})
			})
		if err != nil {
			logger.Warn("config watch disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer w.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{
			"addr":  listen,
			"auth":  srv.AuthToken != "",
			"tools": len(rt.tools.Names()),
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	closeErr := rt.Close(shutdownCtx)
	registry.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return closeErr
}
