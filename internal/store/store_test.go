package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

func sampleExecution(t *testing.T, id string, created time.Time) *execution.Execution {
	t.Helper()
	p, err := plan.New("restart api", plan.RiskMedium, "touches production", []plan.Step{
		{ID: "s1", Order: 0, ToolName: "echo", Parameters: map[string]interface{}{"msg": "hi"}},
		{ID: "s2", Order: 1, ToolName: "fail", RiskLevel: plan.RiskMedium},
	}, []plan.RollbackStep{
		{Step: plan.Step{ID: "r1", ToolName: "echo"}, TriggeredByStepID: "s1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	e := execution.New(id, "restart the api", created)
	e.AttachPlan(p)
	start := created.Add(time.Second)
	end := created.Add(2 * time.Second)
	e.Status = execution.StatusFailed
	e.Error = "step s2 (fail) failed: FAILED: boom"
	e.CompletedAt = &end
	e.Results[0].Status = execution.StepSuccess
	e.Results[0].StartedAt = &start
	e.Results[0].CompletedAt = &end
	e.Results[0].Result = map[string]interface{}{"msg": "hi"}
	e.Results[0].Logs = []execution.LogEntry{{Timestamp: start, Level: execution.LogInfo, Message: "echo 1 parameter(s)"}}
	e.Results[1].Status = execution.StepFailed
	e.Results[1].Error = "FAILED: boom"
	e.RollbackResults = []execution.ToolCallResult{{StepID: "r1", ToolName: "echo", Status: execution.StepSuccess, Logs: []execution.LogEntry{}}}
	return e
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open("file", filepath.Join(dir, "executions"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open("sqlite", filepath.Join(dir, "executions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		fs.Close()
		db.Close()
	})
	return map[string]Store{"file": fs, "sqlite": db}
}

func TestStore_RoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleExecution(t, "exec-1", created)
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, "exec-1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			if got.ID != want.ID || got.Prompt != want.Prompt || got.Status != want.Status || got.Error != want.Error {
				t.Errorf("header mismatch: %+v", got)
			}
			if !got.CreatedAt.Equal(want.CreatedAt) || got.CompletedAt == nil || !got.CompletedAt.Equal(*want.CompletedAt) {
				t.Errorf("timestamps: %v %v", got.CreatedAt, got.CompletedAt)
			}
			if got.Plan == nil || got.Plan.RiskLevel != plan.RiskMedium || len(got.Plan.Steps) != 2 || len(got.Plan.Rollback) != 1 {
				t.Fatalf("plan mismatch: %+v", got.Plan)
			}
			if got.Plan.Rollback[0].TriggeredByStepID != "s1" {
				t.Errorf("rollback trigger lost: %+v", got.Plan.Rollback[0])
			}
			if len(got.Results) != 2 || got.Results[0].Status != execution.StepSuccess || got.Results[1].Error != "FAILED: boom" {
				t.Errorf("results mismatch: %+v", got.Results)
			}
			if m, ok := got.Results[0].Result.(map[string]interface{}); !ok || m["msg"] != "hi" {
				t.Errorf("result payload: %#v", got.Results[0].Result)
			}
			if len(got.Results[0].Logs) != 1 || got.Results[0].Logs[0].Message != "echo 1 parameter(s)" {
				t.Errorf("logs: %+v", got.Results[0].Logs)
			}
			if got.Results[1].StartedAt != nil {
				t.Error("nil start time must stay nil")
			}
			if len(got.RollbackResults) != 1 || got.RollbackResults[0].StepID != "r1" {
				t.Errorf("rollback results: %+v", got.RollbackResults)
			}
		})
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	created := time.Now().UTC()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := sampleExecution(t, "exec-2", created)
			e.RollbackResults = nil
			if err := s.Save(ctx, e); err != nil {
				t.Fatal(err)
			}
			e.Status = execution.StatusRolledBack
			e.RollbackResults = []execution.ToolCallResult{{StepID: "r1", ToolName: "echo", Status: execution.StepFailed, Error: "x"}}
			if err := s.Save(ctx, e); err != nil {
				t.Fatal(err)
			}
			got, err := s.Load(ctx, "exec-2")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != execution.StatusRolledBack || len(got.Results) != 2 || len(got.RollbackResults) != 1 {
				t.Errorf("replace failed: %s, %d results, %d rollback", got.Status, len(got.Results), len(got.RollbackResults))
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "missing")
			if !errors.Is(err, execution.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"old", "new", "mid"} {
				offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
				if err := s.Save(ctx, sampleExecution(t, id, base.Add(offsets[i]))); err != nil {
					t.Fatal(err)
				}
			}
			list, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 3 || list[0].ID != "new" || list[1].ID != "mid" || list[2].ID != "old" {
				t.Fatalf("order: %+v", list)
			}
			if list[0].Steps != 2 || list[0].RiskLevel != plan.RiskMedium || list[0].Status != execution.StatusFailed {
				t.Errorf("summary: %+v", list[0])
			}
		})
	}
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e := sampleExecution(t, "../escape", time.Now())
	if err := s.Save(context.Background(), e); err == nil {
		t.Error("expected error for id with path separator")
	}
	if _, err := s.Load(context.Background(), "../escape"); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("Load: %v", err)
	}
}

func TestFileStore_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	if err := s.Save(context.Background(), sampleExecution(t, "exec-3", time.Now())); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "exec-3.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	// header + 2 results + 1 rollback result + footer
	if lines != 5 {
		t.Errorf("expected 5 lines, got %d:\n%s", lines, data)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Error("expected error")
	}
}
