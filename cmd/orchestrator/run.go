package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

// errNotConfirmable is returned when no terminal is available to ask on.
var errNotConfirmable = errors.New("confirmation required: run from a terminal or pass --yes (LOW/MEDIUM) or --phrase (HIGH)")

// Run proposes a plan, asks for confirmation and streams the execution.
func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, g, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	var p *plan.Plan
	if c.Plan != "" {
		if p, err = plan.LoadFile(c.Plan); err != nil {
			return err
		}
	}

	e, tok, err := rt.orch.Propose(ctx, c.Prompt, p)
	if err != nil {
		return err
	}
	fmt.Print(renderPlan(e.Plan))
	fmt.Println()

	accepted, phrase, err := c.confirm(e.Plan.RiskLevel, rt.gate.Phrase(), os.Stdin, os.Stdout, isTerminal(os.Stdin))
	if err != nil || !accepted {
		rt.orch.Decline(context.Background(), e.ID)
		if err != nil {
			return err
		}
		fmt.Println("Declined.")
		return nil
	}

	rt.bus.Subscribe("cli", printEvents(os.Stdout, e.ID))
	if err := rt.orch.Confirm(ctx, e.ID, tok.Token, phrase); err != nil {
		rt.orch.Decline(context.Background(), e.ID)
		return err
	}

	// Ctrl-C while executing stops before the next step.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.orch.Cancel(context.Background(), e.ID)
		case <-done:
		}
	}()

	final, err := rt.orch.Wait(context.Background(), e.ID)
	if err != nil {
		return err
	}
	if final.Status == execution.StatusFailed && c.RollbackOnFailure && len(final.Plan.Rollback) > 0 {
		if err := rt.orch.Rollback(context.Background(), e.ID); err != nil {
			return err
		}
		if final, err = rt.orch.Get(context.Background(), e.ID); err != nil {
			return err
		}
	}

	// Flush live output before the summary.
	rt.bus.Close()
	fmt.Println()
	fmt.Print(renderExecution(final, time.Now()))

	switch final.Status {
	case execution.StatusCompleted:
		return nil
	case execution.StatusRolledBack:
		return fmt.Errorf("execution %s failed and was rolled back", final.ID)
	}
	return fmt.Errorf("execution %s %s", final.ID, final.Status)
}

// confirm decides from flags when possible, otherwise asks on the terminal.
func (c *RunCmd) confirm(risk plan.RiskLevel, phrase string, in io.Reader, out io.Writer, tty bool) (bool, string, error) {
	if risk == plan.RiskHigh {
		if c.Phrase != "" {
			return true, c.Phrase, nil
		}
	} else if c.Yes {
		return true, "", nil
	}
	if !tty {
		return false, "", errNotConfirmable
	}
	return askConfirmation(risk, phrase, in, out)
}

// printEvents returns a bus handler writing one execution's events to w.
func printEvents(w io.Writer, executionID string) events.Handler {
	return func(ev events.Event) {
		if ev.ExecutionID != executionID {
			return
		}
		if line := renderEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}
