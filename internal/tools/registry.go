// Package tools provides the tool capability interface, the registry that
// resolves tool names, built-in tools and Lua-scripted tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
)

// ErrUnknownTool is returned when a plan names a tool nobody registered.
var ErrUnknownTool = errors.New("unknown tool")

// Emitter streams output while a tool runs.
type Emitter interface {
	Log(entry execution.LogEntry)
	UI(payload interface{})
}

type nopEmitter struct{}

func (nopEmitter) Log(execution.LogEntry) {}
func (nopEmitter) UI(interface{})         {}

// NopEmitter discards everything.
var NopEmitter Emitter = nopEmitter{}

// Call is one invocation of a tool.
type Call struct {
	ID         string
	Parameters map[string]interface{}
	Emit       Emitter
}

// Logf emits a log line at the given level.
func (c Call) Logf(level execution.LogLevel, format string, args ...interface{}) {
	if c.Emit == nil {
		return
	}
	c.Emit.Log(execution.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	})
}

// ToolError describes a failure reported by the tool itself. Recoverable is
// informational only.
type ToolError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ToolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Result is what every tool returns.
type Result struct {
	Success bool                 `json:"success"`
	Data    interface{}          `json:"data,omitempty"`
	Error   *ToolError           `json:"error,omitempty"`
	Logs    []execution.LogEntry `json:"logs,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(code, message string, recoverable bool) Result {
	return Result{Error: &ToolError{Code: code, Message: message, Recoverable: recoverable}}
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &ToolError{Code: "FAILED", Message: "tool reported failure"}
}

// Tool is a capability the orchestrator can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, call Call) Result
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, call Call) Result
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, call Call) Result { return f.Fn(ctx, call) }

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry creates a registry with the built-in tools.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.registerBuiltins()
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Lookup is Get with an ErrUnknownTool error.
func (r *Registry) Lookup(name string) (Tool, error) {
	if t := r.Get(name); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Check reports every name not in the registry.
func (r *Registry) Check(names []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTool, strings.Join(missing, ", "))
	}
	return nil
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
