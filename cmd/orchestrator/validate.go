package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

// Run validates a plan file against the configured tools.
func (c *ValidateCmd) Run(g *Globals) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reg, err := loadTools(cfg, newLogger(g, cfg, os.Stderr))
	if err != nil {
		return err
	}
	return validatePlan(c.File, reg, os.Stdout)
}

func validatePlan(path string, reg *tools.Registry, w io.Writer) error {
	p, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	if err := reg.Check(p.ToolNames()); err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Valid plan: %d step(s), %d rollback step(s), risk %s\n", len(p.Steps), len(p.Rollback), p.RiskLevel)
	return nil
}

// Run lists the builtin and Lua tools.
func (c *ToolsCmd) Run(g *Globals) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reg, err := loadTools(cfg, newLogger(g, cfg, os.Stderr))
	if err != nil {
		return err
	}
	listTools(cfg, reg, os.Stdout)
	return nil
}

func listTools(cfg *config.Config, reg *tools.Registry, w io.Writer) {
	limits, _ := cfg.SandboxLimits()
	names := reg.Names()
	width := 0
	for _, n := range names {
		if len(n) > width {
			width = len(n)
		}
	}
	for _, n := range names {
		desc := strings.SplitN(reg.Get(n).Description(), "\n", 2)[0]
		fmt.Fprintf(w, "%-*s  %s %s\n", width, n, dimStyle.Render(limits.TimeoutFor(n).String()), desc)
	}
}
