package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/store"
)

var errNoStorage = errors.New("storage is disabled (storage.driver = \"none\")")

// Run lists recorded executions, or shows one in detail.
func (c *HistoryCmd) Run(g *Globals) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st == nil {
		return errNoStorage
	}
	defer st.Close()
	return c.show(context.Background(), st, os.Stdout, time.Now())
}

func (c *HistoryCmd) show(ctx context.Context, st store.Store, w io.Writer, now time.Time) error {
	if c.ID != "" {
		e, err := st.Load(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Fprint(w, renderExecution(e, now))
		return nil
	}

	list, err := st.List(ctx)
	if err != nil {
		return err
	}
	if c.Limit > 0 && len(list) > c.Limit {
		list = list[:c.Limit]
	}
	fmt.Fprint(w, renderHistory(list, now))
	return nil
}

// Run rolls back a recorded execution and prints the result.
func (c *RollbackCmd) Run(g *Globals) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx, g, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	if rt.store == nil {
		return errNoStorage
	}

	rt.bus.Subscribe("cli", printEvents(os.Stdout, c.ID))
	if err := rt.orch.Rollback(ctx, c.ID); err != nil {
		return err
	}
	e, err := rt.orch.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	rt.bus.Close()
	fmt.Println()
	fmt.Print(renderExecution(e, time.Now()))
	failed := 0
	for _, r := range e.RollbackResults {
		if r.Status == execution.StepFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d rollback step(s) failed", failed)
	}
	return nil
}
