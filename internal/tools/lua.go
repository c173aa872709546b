package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/vinayprograms/orchestrator/internal/execution"
)

// LuaTool is a tool implemented by a Lua script. The script must define a
// global function invoke(params); it may set a global description string and
// call log(level, message, data?) and ui(payload) while running.
//
// invoke may return a table {success=bool, data=..., error={code=, message=,
// recoverable=}} or any other value, which is taken as successful data. A Lua
// error fails the call.
type LuaTool struct {
	name  string
	desc  string
	path  string
	proto *lua.FunctionProto
}

// LoadLuaTool compiles a script and checks that it defines invoke.
func LoadLuaTool(path string) (*LuaTool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}

	t := &LuaTool{
		name:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		path:  path,
		proto: proto,
	}

	L := t.newState(context.Background(), NopEmitter)
	defer L.Close()
	if err := t.load(L); err != nil {
		return nil, err
	}
	if d, ok := L.GetGlobal("description").(lua.LString); ok {
		t.desc = string(d)
	}
	return t, nil
}

// LoadLuaDir loads every *.lua file in dir, sorted by name.
func LoadLuaDir(dir string) ([]*LuaTool, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*LuaTool, 0, len(paths))
	for _, p := range paths {
		t, err := LoadLuaTool(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RegisterLuaDir loads the scripts in dir into the registry and returns
// their names. A missing directory registers nothing.
func (r *Registry) RegisterLuaDir(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	loaded, err := LoadLuaDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(loaded))
	for _, t := range loaded {
		r.Register(t)
		names = append(names, t.Name())
	}
	return names, nil
}

func (t *LuaTool) Name() string { return t.name }

func (t *LuaTool) Description() string {
	if t.desc == "" {
		return "Lua tool " + filepath.Base(t.path)
	}
	return t.desc
}

// Invoke runs the script in a fresh state bound to ctx.
func (t *LuaTool) Invoke(ctx context.Context, call Call) Result {
	emit := call.Emit
	if emit == nil {
		emit = NopEmitter
	}
	L := t.newState(ctx, emit)
	defer L.Close()

	if err := t.load(L); err != nil {
		return Failed("LUA_ERROR", err.Error(), false)
	}

	L.Push(L.GetGlobal("invoke"))
	L.Push(goToLua(L, call.Parameters))
	if err := L.PCall(1, 1, nil); err != nil {
		if ctx.Err() != nil {
			return Failed("CANCELLED", ctx.Err().Error(), true)
		}
		return Failed("LUA_ERROR", err.Error(), false)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return resultFromLua(ret)
}

// load runs the chunk so its globals exist, then checks for invoke.
func (t *LuaTool) load(L *lua.LState) error {
	L.Push(L.NewFunctionFromProto(t.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return fmt.Errorf("failed to load %s: %w", t.path, err)
	}
	if _, ok := L.GetGlobal("invoke").(*lua.LFunction); !ok {
		return fmt.Errorf("%s must define an 'invoke' function", t.path)
	}
	return nil
}

func (t *LuaTool) newState(ctx context.Context, emit Emitter) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)
	L.SetContext(ctx)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		level := execution.LogLevel(strings.ToLower(L.CheckString(1)))
		switch level {
		case execution.LogInfo, execution.LogWarn, execution.LogError, execution.LogDebug:
		default:
			level = execution.LogInfo
		}
		entry := execution.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   L.CheckString(2),
		}
		if tbl := L.OptTable(3, nil); tbl != nil {
			if m, ok := luaToGo(tbl).(map[string]interface{}); ok {
				entry.Data = m
			}
		}
		emit.Log(entry)
		return 0
	}))
	L.SetGlobal("ui", L.NewFunction(func(L *lua.LState) int {
		emit.UI(luaToGo(L.Get(1)))
		return 0
	}))
	return L
}

// openSafeLibs loads base, table, string and math without file or code loading.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func resultFromLua(v lua.LValue) Result {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return Result{Success: true, Data: luaToGo(v)}
	}
	success, ok := tbl.RawGetString("success").(lua.LBool)
	if !ok {
		return Result{Success: true, Data: luaToGo(tbl)}
	}
	res := Result{Success: bool(success), Data: luaToGo(tbl.RawGetString("data"))}
	if errTbl, ok := tbl.RawGetString("error").(*lua.LTable); ok {
		res.Error = &ToolError{
			Code:        lua.LVAsString(errTbl.RawGetString("code")),
			Message:     lua.LVAsString(errTbl.RawGetString("message")),
			Recoverable: lua.LVAsBool(errTbl.RawGetString("recoverable")),
		}
	} else if s, ok := tbl.RawGetString("error").(lua.LString); ok {
		res.Error = &ToolError{Code: "FAILED", Message: string(s)}
	}
	return res
}

// goToLua converts a decoded JSON-like Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	}
	return lua.LString(fmt.Sprintf("%v", v))
}

const (
	maxLuaDepth  = 100
	maxLuaValues = 1 << 20

	cycleMarker     = "[cycle]"
	truncatedMarker = "[truncated]"
)

// luaToGo converts a Lua value to plain Go values. Tables with only
// consecutive integer keys from 1 become slices; others become maps.
// A table that contains itself is replaced by cycleMarker, and nesting past
// maxLuaDepth or more than maxLuaValues values by truncatedMarker.
func luaToGo(v lua.LValue) interface{} {
	c := &luaConverter{path: make(map[*lua.LTable]bool), left: maxLuaValues}
	return c.convert(v, 0)
}

type luaConverter struct {
	path map[*lua.LTable]bool // tables currently being converted
	left int
}

func (c *luaConverter) convert(v lua.LValue, depth int) interface{} {
	c.left--
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if c.path[val] {
			return cycleMarker
		}
		if depth >= maxLuaDepth || c.left < 0 {
			return truncatedMarker
		}
		c.path[val] = true
		defer delete(c.path, val)

		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, c.convert(val.RawGetInt(i), depth+1))
			}
			return out
		}
		out := make(map[string]interface{}, count)
		val.ForEach(func(k, item lua.LValue) {
			out[lua.LVAsString(k)] = c.convert(item, depth+1)
		})
		return out
	}
	return v.String()
}
