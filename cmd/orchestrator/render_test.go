package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/store"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.New("Restart the api", plan.RiskMedium, "brief downtime",
		[]plan.Step{
			{ID: "drain", Order: 0, ToolName: "echo", Description: strings.Repeat("drain traffic from every node ", 5), RiskLevel: plan.RiskLow},
			{ID: "restart", Order: 1, ToolName: "sleep", RiskLevel: plan.RiskMedium},
		},
		[]plan.RollbackStep{
			{Step: plan.Step{ID: "undrain", ToolName: "echo"}, TriggeredByStepID: "drain"},
		})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRenderPlan(t *testing.T) {
	out := renderPlan(testPlan(t))
	for _, want := range []string{"Restart the api", "MEDIUM", "brief downtime", "echo", "sleep", "Rollback:", "after drain"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "    drain") && len(line) > wrapWidth+4 {
			t.Errorf("description not wrapped: %q", line)
		}
	}
}

func TestRenderEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{"status", events.Event{Kind: events.KindStatusChange, Status: execution.StatusExecuting, Progress: &events.Progress{CurrentStep: 1, TotalSteps: 3}}, "1/3"},
		{"running step hidden", events.Event{Kind: events.KindStepResult, Result: &execution.ToolCallResult{StepID: "a", Status: execution.StepRunning}}, ""},
		{"failed step", events.Event{Kind: events.KindStepResult, Result: &execution.ToolCallResult{StepID: "a", ToolName: "fail", Status: execution.StepFailed, Error: "boom"}}, "boom"},
		{"rollback step", events.Event{Kind: events.KindStepResult, Rollback: true, Result: &execution.ToolCallResult{StepID: "r", Status: execution.StepSuccess}}, "rollback r"},
		{"log", events.Event{Kind: events.KindLogLine, StepID: "a", Log: &execution.LogEntry{Level: execution.LogInfo, Message: "hi"}}, "hi"},
		{"nil log", events.Event{Kind: events.KindLogLine}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderEvent(tt.ev)
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected nothing, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestRenderHistory_Empty(t *testing.T) {
	if !strings.Contains(renderHistory(nil, time.Now()), "No recorded executions.") {
		t.Error("empty history message missing")
	}
}

func TestHistoryCmd_Show(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i, prompt := range []string{"first", "second", "third"} {
		e := execution.New("exec-"+prompt, prompt, now.Add(time.Duration(i)*time.Minute))
		e.AttachPlan(testPlan(t))
		e.Status = execution.StatusCompleted
		if err := st.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	if err := (&HistoryCmd{Limit: 2}).show(ctx, st, &out, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "exec-first") || !strings.Contains(out.String(), "exec-third") {
		t.Errorf("limit not applied newest first:\n%s", out.String())
	}

	out.Reset()
	if err := (&HistoryCmd{ID: "exec-second"}).show(ctx, st, &out, now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Prompt:  second") {
		t.Errorf("detail view:\n%s", out.String())
	}

	if err := (&HistoryCmd{ID: "missing"}).show(ctx, st, &out, now); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestValidatePlan(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	writeFile(t, good, "summary: ok\nsteps:\n  - tool: echo\n  - tool: sleep\n    risk_level: MEDIUM\n")
	unknown := filepath.Join(dir, "unknown.yaml")
	writeFile(t, unknown, "summary: nope\nsteps:\n  - tool: launch_rockets\n")

	reg := tools.NewBuiltinRegistry()
	var out bytes.Buffer
	if err := validatePlan(good, reg, &out); err != nil {
		t.Fatalf("good plan: %v", err)
	}
	if !strings.Contains(out.String(), "2 step(s), 0 rollback step(s), risk MEDIUM") {
		t.Errorf("output: %q", out.String())
	}
	if err := validatePlan(unknown, reg, &out); err == nil {
		t.Error("expected unknown tool error")
	}
	if err := validatePlan(filepath.Join(dir, "absent.yaml"), reg, &out); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestListTools(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.lua"), helloTool)
	reg := tools.NewBuiltinRegistry()
	if _, err := reg.RegisterLuaDir(dir); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	listTools(config.New(), reg, &out)
	for _, want := range []string{"echo", "sleep", "fail", "hello", "Say hello"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "from lua") {
		t.Error("only the first description line is listed")
	}
}
