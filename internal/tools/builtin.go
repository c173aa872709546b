package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
)

// registerBuiltins registers all built-in tools.
func (r *Registry) registerBuiltins() {
	r.Register(&echoTool{})
	r.Register(&sleepTool{})
	r.Register(&failTool{})
}

// --- Built-in Tools ---

// echoTool returns its parameters. A "ui" parameter is also sent as a UI message.
type echoTool struct{}

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Description() string {
	return "Return the given parameters unchanged."
}

func (t *echoTool) Invoke(ctx context.Context, call Call) Result {
	call.Logf(execution.LogInfo, "echo %d parameter(s)", len(call.Parameters))
	if ui, ok := call.Parameters["ui"]; ok && call.Emit != nil {
		call.Emit.UI(ui)
	}
	return Result{Success: true, Data: call.Parameters}
}

// sleepTool waits for "duration" (Go duration string) or "ms", or until cancelled.
type sleepTool struct{}

func (t *sleepTool) Name() string { return "sleep" }

func (t *sleepTool) Description() string {
	return "Wait for a duration. Stops early when cancelled."
}

func (t *sleepTool) Invoke(ctx context.Context, call Call) Result {
	d, err := durationParam(call.Parameters)
	if err != nil {
		return Failed("INVALID_PARAMETERS", err.Error(), false)
	}
	call.Logf(execution.LogInfo, "sleeping for %s", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Result{Success: true, Data: map[string]interface{}{"slept": d.String()}}
	case <-ctx.Done():
		return Failed("CANCELLED", ctx.Err().Error(), true)
	}
}

func durationParam(params map[string]interface{}) (time.Duration, error) {
	if v, ok := params["duration"]; ok {
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("duration must be a string, got %T", v)
		}
		return time.ParseDuration(s)
	}
	if v, ok := params["ms"]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Millisecond, nil
		case int64:
			return time.Duration(n) * time.Millisecond, nil
		case float64:
			return time.Duration(n * float64(time.Millisecond)), nil
		}
		return 0, fmt.Errorf("ms must be a number, got %T", v)
	}
	return 0, fmt.Errorf("one of duration or ms is required")
}

// failTool always fails with the given "code", "message" and "recoverable".
type failTool struct{}

func (t *failTool) Name() string { return "fail" }

func (t *failTool) Description() string {
	return "Fail with the given code and message."
}

func (t *failTool) Invoke(ctx context.Context, call Call) Result {
	code, _ := call.Parameters["code"].(string)
	if code == "" {
		code = "FAILED"
	}
	msg, _ := call.Parameters["message"].(string)
	if msg == "" {
		msg = "failure requested"
	}
	recoverable, _ := call.Parameters["recoverable"].(bool)
	call.Logf(execution.LogError, "%s: %s", code, msg)
	return Failed(code, msg, recoverable)
}
