// Package sandbox wraps tool invocations with a per-tool timeout and a bound
// on the serialized size of their output.
//
// A timed-out invocation is abandoned, not killed: its context is cancelled
// so a cooperative tool can stop, but the runner never waits for it and its
// late result is discarded. Tools with side effects may therefore still
// complete after the caller has recorded a timeout.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/vinayprograms/orchestrator/internal/logging"
)

const (
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes is the largest serialized result passed through untouched.
	DefaultMaxOutputBytes = 1 << 20
	// TruncationMarker terminates every truncated preview.
	TruncationMarker = "...[truncated]"
)

// Limits configures the runner.
type Limits struct {
	DefaultTimeout time.Duration
	ToolTimeouts   map[string]time.Duration
	MaxOutputBytes int
}

// DefaultLimits returns the reference limits: 30s default, longer budgets for
// deploy and test tools, 1 MiB output.
func DefaultLimits() Limits {
	return Limits{
		DefaultTimeout: DefaultTimeout,
		ToolTimeouts: map[string]time.Duration{
			"deploy_service":  120 * time.Second,
			"run_tests":       90 * time.Second,
			"run_smoke_tests": 60 * time.Second,
			"generate_chart":  45 * time.Second,
		},
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// TimeoutFor returns the timeout for a tool.
func (l Limits) TimeoutFor(tool string) time.Duration {
	if d, ok := l.ToolTimeouts[tool]; ok && d > 0 {
		return d
	}
	if l.DefaultTimeout > 0 {
		return l.DefaultTimeout
	}
	return DefaultTimeout
}

func (l Limits) maxOutput() int {
	if l.MaxOutputBytes > 0 {
		return l.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// TimeoutError reports that a tool did not finish within its budget.
type TimeoutError struct {
	ToolName  string
	TimeoutMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %dms", e.ToolName, e.TimeoutMs)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Truncated replaces a result whose serialized form exceeded the limit.
type Truncated struct {
	Truncated    bool   `json:"_truncated"`
	OriginalSize int    `json:"originalSize"`
	Notice       string `json:"notice"`
	Preview      string `json:"preview"`
}

// Invoke performs the actual tool call.
type Invoke func(ctx context.Context) (interface{}, error)

// Runner applies Limits to tool invocations. Limits may be swapped while
// calls are in flight; each call uses the limits current at its start.
type Runner struct {
	mu     sync.RWMutex
	limits Limits
	logger *logging.Logger
}

// NewRunner creates a runner. A nil logger logs to stdout.
func NewRunner(limits Limits, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.New()
	}
	return &Runner{
		limits: limits,
		logger: logger.WithComponent("sandbox"),
	}
}

// Limits returns the current limits.
func (r *Runner) Limits() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limits
}

// SetLimits replaces the limits for subsequent calls.
func (r *Runner) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
	r.logger.Info("limits updated", map[string]interface{}{
		"default_timeout": l.TimeoutFor("").String(),
		"max_output":      humanize.IBytes(uint64(l.maxOutput())),
		"overrides":       len(l.ToolTimeouts),
	})
}

type outcome struct {
	value interface{}
	err   error
}

// Run invokes the tool, racing it against its timeout, then bounds the output.
// Errors returned by invoke are passed through unchanged.
func (r *Runner) Run(ctx context.Context, tool string, invoke Invoke) (interface{}, error) {
	limits := r.Limits()
	timeout := limits.TimeoutFor(tool)

	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan outcome, 1) // buffered: an abandoned call must not block forever

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool, rec)}
			}
		}()
		v, err := invoke(callCtx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		cancel()
		if o.err != nil {
			return nil, o.err
		}
		return Bound(tool, o.value, limits.maxOutput())
	case <-timer.C:
		cancel()
		r.logger.Warn("tool timed out", map[string]interface{}{
			"tool":    tool,
			"timeout": timeout.String(),
		})
		return nil, &TimeoutError{ToolName: tool, TimeoutMs: timeout.Milliseconds()}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Bound returns v unchanged when its serialized size is at most max bytes.
// Larger strings are cut to a prefix plus TruncationMarker; anything else is
// replaced by a Truncated envelope. Either replacement serializes to at most
// max/2 bytes.
func Bound(tool string, v interface{}, max int) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		if jsonLen(s) <= max {
			return s, nil
		}
		return cutToFit(s, max/2, func(prefix string) int {
			return jsonLen(prefix + TruncationMarker)
		}) + TruncationMarker, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result of %s is not serializable: %w", tool, err)
	}
	if len(data) <= max {
		return v, nil
	}

	env := Truncated{
		Truncated:    true,
		OriginalSize: len(data),
		Notice: fmt.Sprintf("Output of %s was %s, over the %s limit; showing a preview.",
			tool, humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(max))),
	}
	env.Preview = cutToFit(string(data), max/2, func(prefix string) int {
		env.Preview = prefix + TruncationMarker
		b, _ := json.Marshal(env)
		return len(b)
	}) + TruncationMarker
	return env, nil
}

// jsonLen is the size of s once quoted and escaped for the wire.
func jsonLen(s string) int {
	b, _ := json.Marshal(s)
	return len(b)
}

// cutToFit returns a prefix of s (on a rune boundary) whose measured
// size is within budget. measure may be non-linear (JSON escaping), so the
// prefix is scaled down by the overshoot ratio until it fits.
func cutToFit(s string, budget int, measure func(prefix string) int) string {
	n := budget
	if n > len(s) {
		n = len(s)
	}
	for n > 0 {
		for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
			n--
		}
		size := measure(s[:n])
		if size <= budget {
			return s[:n]
		}
		next := n * budget / size
		if next >= n {
			next = n - 1
		}
		n = next
	}
	return ""
}
