package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
)

type captureEmitter struct {
	mu   sync.Mutex
	logs []execution.LogEntry
	ui   []interface{}
}

func (c *captureEmitter) Log(e execution.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, e)
}

func (c *captureEmitter) UI(p interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ui = append(c.ui, p)
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewBuiltinRegistry()
	want := []string{"echo", "fail", "sleep"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if r.Get("nope") != nil {
		t.Error("Get of unknown tool should be nil")
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Lookup: expected ErrUnknownTool, got %v", err)
	}
	err := r.Check([]string{"echo", "deploy_service", "create_ticket"})
	if !errors.Is(err, ErrUnknownTool) || !strings.Contains(err.Error(), "deploy_service, create_ticket") {
		t.Errorf("Check: %v", err)
	}
	if err := r.Check([]string{"echo", "sleep"}); err != nil {
		t.Errorf("Check of known tools: %v", err)
	}
}

func TestEcho(t *testing.T) {
	em := &captureEmitter{}
	params := map[string]interface{}{"a": 1.0, "ui": map[string]interface{}{"kind": "chart"}}
	res := (&echoTool{}).Invoke(context.Background(), Call{ID: "c1", Parameters: params, Emit: em})
	if !res.Success || !reflect.DeepEqual(res.Data, params) {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(em.logs) != 1 || len(em.ui) != 1 {
		t.Errorf("expected one log and one ui message, got %d/%d", len(em.logs), len(em.ui))
	}
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := (&sleepTool{}).Invoke(ctx, Call{Parameters: map[string]interface{}{"duration": "1h"}, Emit: NopEmitter})
	if res.Success || res.Error == nil || res.Error.Code != "CANCELLED" {
		t.Errorf("expected CANCELLED, got %+v", res)
	}

	res = (&sleepTool{}).Invoke(context.Background(), Call{Parameters: map[string]interface{}{"ms": 1.0}})
	if !res.Success {
		t.Errorf("short sleep failed: %+v", res.Error)
	}

	res = (&sleepTool{}).Invoke(context.Background(), Call{Parameters: map[string]interface{}{}})
	if res.Success || res.Error.Code != "INVALID_PARAMETERS" {
		t.Errorf("expected INVALID_PARAMETERS, got %+v", res)
	}
}

func TestFail(t *testing.T) {
	res := (&failTool{}).Invoke(context.Background(), Call{Parameters: map[string]interface{}{
		"code": "DEPLOY_FAILED", "message": "rollout stuck", "recoverable": true,
	}})
	err := res.Err()
	var te *ToolError
	if !errors.As(err, &te) || te.Code != "DEPLOY_FAILED" || !te.Recoverable {
		t.Fatalf("unexpected error: %v", err)
	}
	if err.Error() != "DEPLOY_FAILED: rollout stuck" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (Result{}).Err() == nil {
		t.Error("unsuccessful result without error must still report one")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLuaTool_InvokeWithLogsAndUI(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "generate_chart.lua", `
description = "Render a chart"

function invoke(params)
  log("info", "rendering " .. params.title, {points = #params.points})
  ui({kind = "chart", title = params.title})
  local total = 0
  for _, v in ipairs(params.points) do total = total + v end
  return {success = true, data = {total = total, title = params.title}}
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}
	if tool.Name() != "generate_chart" || tool.Description() != "Render a chart" {
		t.Errorf("name/description = %q/%q", tool.Name(), tool.Description())
	}

	em := &captureEmitter{}
	res := tool.Invoke(context.Background(), Call{
		Parameters: map[string]interface{}{"title": "latency", "points": []interface{}{1.0, 2.0, 3.5}},
		Emit:       em,
	})
	if !res.Success {
		t.Fatalf("invoke failed: %+v", res.Error)
	}
	want := map[string]interface{}{"total": 6.5, "title": "latency"}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("data = %#v, want %#v", res.Data, want)
	}
	if len(em.logs) != 1 || em.logs[0].Message != "rendering latency" || em.logs[0].Data["points"] != 3.0 {
		t.Errorf("logs = %+v", em.logs)
	}
	if len(em.ui) != 1 {
		t.Errorf("ui = %+v", em.ui)
	}
}

func TestLuaTool_FailureShapes(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "flaky.lua", `
function invoke(params)
  if params.mode == "raise" then error("exploded") end
  if params.mode == "plain" then return "just a string" end
  return {success = false, error = {code = "TIMEOUT_UPSTREAM", message = "slow", recoverable = true}}
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}

	res := tool.Invoke(context.Background(), Call{Parameters: map[string]interface{}{}})
	if res.Success || res.Error.Code != "TIMEOUT_UPSTREAM" || !res.Error.Recoverable {
		t.Errorf("structured failure: %+v", res)
	}
	res = tool.Invoke(context.Background(), Call{Parameters: map[string]interface{}{"mode": "raise"}})
	if res.Success || res.Error.Code != "LUA_ERROR" || !strings.Contains(res.Error.Message, "exploded") {
		t.Errorf("raised error: %+v", res)
	}
	res = tool.Invoke(context.Background(), Call{Parameters: map[string]interface{}{"mode": "plain"}})
	if !res.Success || res.Data != "just a string" {
		t.Errorf("plain value: %+v", res)
	}
}

func TestLuaTool_UnsafeLibsUnavailable(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "escape.lua", `
function invoke(params)
  return {io = type(io), os = type(os), dofile = type(dofile), require = type(require)}
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}
	res := tool.Invoke(context.Background(), Call{})
	want := map[string]interface{}{"io": "nil", "os": "nil", "dofile": "nil", "require": "nil"}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("sandboxed globals = %#v", res.Data)
	}
}

func TestLuaTool_SelfReferencingResult(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "cyclic.lua", `
function invoke(params)
  local t = {name = "loop"}
  t.self = t
  local shared = {n = 1}
  ui({a = shared, b = shared})
  log("info", "cyclic fields", t)
  return {success = true, data = t}
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}
	em := &captureEmitter{}
	res := tool.Invoke(context.Background(), Call{Emit: em})
	if !res.Success {
		t.Fatalf("invoke failed: %+v", res.Error)
	}
	want := map[string]interface{}{"name": "loop", "self": cycleMarker}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("data = %#v, want %#v", res.Data, want)
	}
	if len(em.logs) != 1 || em.logs[0].Data["self"] != cycleMarker {
		t.Errorf("logs = %+v", em.logs)
	}
	// A table reached twice without a cycle is converted both times.
	shared := map[string]interface{}{"n": 1.0}
	if len(em.ui) != 1 || !reflect.DeepEqual(em.ui[0], map[string]interface{}{"a": shared, "b": shared}) {
		t.Errorf("ui = %#v", em.ui)
	}
}

func TestLuaTool_DeepNestingTruncated(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "deep.lua", `
function invoke(params)
  local root = {}
  local cur = root
  for i = 1, 500 do
    local child = {}
    cur.child = child
    cur = child
  end
  return {success = true, data = root}
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}
	res := tool.Invoke(context.Background(), Call{})
	if !res.Success {
		t.Fatalf("invoke failed: %+v", res.Error)
	}
	depth := 0
	v := res.Data
	for {
		m, ok := v.(map[string]interface{})
		if !ok {
			break
		}
		v = m["child"]
		depth++
	}
	if v != truncatedMarker || depth != maxLuaDepth {
		t.Errorf("stopped at depth %d with %#v", depth, v)
	}
}

func TestLuaTool_Cancelled(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "spin.lua", `
function invoke(params)
  while true do end
end
`)
	tool, err := LoadLuaTool(p)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := tool.Invoke(ctx, Call{})
	if res.Success || res.Error.Code != "CANCELLED" {
		t.Errorf("expected CANCELLED, got %+v", res)
	}
}

func TestLoadLuaTool_RequiresInvoke(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "empty.lua", `x = 1`)
	if _, err := LoadLuaTool(p); err == nil || !strings.Contains(err.Error(), "invoke") {
		t.Errorf("expected missing invoke error, got %v", err)
	}
	bad := writeScript(t, dir, "syntax.lua", `function invoke(`)
	if _, err := LoadLuaTool(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestRegisterLuaDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "b_tool.lua", `function invoke(p) return 1 end`)
	writeScript(t, dir, "a_tool.lua", `function invoke(p) return 2 end`)
	writeScript(t, dir, "notes.txt", `ignored`)

	r := NewBuiltinRegistry()
	names, err := r.RegisterLuaDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a_tool", "b_tool"}) {
		t.Errorf("names = %v", names)
	}
	if r.Get("a_tool") == nil {
		t.Error("lua tool not registered")
	}
	if names, err := r.RegisterLuaDir(filepath.Join(dir, "missing")); err != nil || names != nil {
		t.Errorf("missing dir: %v %v", names, err)
	}
}
