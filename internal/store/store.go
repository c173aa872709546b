// Package store records terminal executions so they can be listed, replayed
// and rolled back after the orchestrator has evicted them from memory.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

// Store is a durable recorder of executions.
type Store interface {
	Save(ctx context.Context, e *execution.Execution) error
	Load(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// Summary is one row of execution history.
type Summary struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Status      execution.Status `json:"status"`
	RiskLevel   plan.RiskLevel   `json:"riskLevel,omitempty"`
	Steps       int              `json:"steps"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// Summarize builds the history row for an execution.
func Summarize(e *execution.Execution) Summary {
	s := Summary{
		ID:          e.ID,
		Prompt:      e.Prompt,
		Status:      e.Status,
		Steps:       len(e.Results),
		Error:       e.Error,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
	}
	if e.Plan != nil {
		s.RiskLevel = e.Plan.RiskLevel
	}
	return s
}

// Open returns the store for a driver: "file" (JSONL directory) or "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(path)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
}
