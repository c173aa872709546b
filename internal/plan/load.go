package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNoPlan is returned by a planner that has nothing for the prompt.
var ErrNoPlan = errors.New("no plan matches prompt")

// fileStep is the on-disk form of a step. Order and ID are optional in files:
// a missing order means "position in the list", a missing id gets a UUID.
type fileStep struct {
	ID          string                 `yaml:"id"`
	Order       *int                   `yaml:"order"`
	Tool        string                 `yaml:"tool"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters"`
	Risk        string                 `yaml:"risk_level"`
	TriggeredBy string                 `yaml:"triggered_by"`
}

type fileDoc struct {
	Summary    string     `yaml:"summary"`
	Risk       string     `yaml:"risk_level"`
	RiskReason string     `yaml:"risk_reason"`
	Steps      []fileStep `yaml:"steps"`
	Rollback   []fileStep `yaml:"rollback"`
}

func (fs fileStep) toStep(pos int) (Step, error) {
	s := Step{
		ID:          fs.ID,
		Order:       pos,
		ToolName:    fs.Tool,
		Description: fs.Description,
		Parameters:  fs.Parameters,
		RiskLevel:   RiskLow,
	}
	if fs.Order != nil {
		s.Order = *fs.Order
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if fs.Risk != "" {
		r, err := ParseRisk(fs.Risk)
		if err != nil {
			return Step{}, err
		}
		s.RiskLevel = r
	}
	return s, nil
}

func (d fileDoc) build() (*Plan, error) {
	steps := make([]Step, 0, len(d.Steps))
	for i, fs := range d.Steps {
		s, err := fs.toStep(i)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	rollback := make([]RollbackStep, 0, len(d.Rollback))
	for i, fs := range d.Rollback {
		s, err := fs.toStep(i)
		if err != nil {
			return nil, err
		}
		rollback = append(rollback, RollbackStep{Step: s, TriggeredByStepID: fs.TriggeredBy})
	}
	var declared RiskLevel
	if d.Risk != "" {
		r, err := ParseRisk(d.Risk)
		if err != nil {
			return nil, err
		}
		declared = r
	}
	return New(d.Summary, declared, d.RiskReason, steps, rollback)
}

// Parse decodes a plan document. YAML is accepted, and therefore JSON too.
func Parse(data []byte) (*Plan, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return doc.build()
}

// LoadFile reads and validates a plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Parse(data)
}

// Planner turns a natural-language prompt into a plan. Real deployments back
// this with an LLM; the orchestrator treats it as a black box.
type Planner interface {
	Plan(ctx context.Context, prompt string) (*Plan, error)
}

// libraryEntry pairs a prompt pattern with a canned plan.
type libraryEntry struct {
	pattern *regexp.Regexp
	plan    *Plan
}

// Library is a Planner backed by a YAML file of prompt patterns and plans:
//
//	plans:
//	  - match: "(?i)smoke"
//	    plan: { summary: ..., steps: [...] }
type Library struct {
	entries []libraryEntry
}

type libraryDoc struct {
	Plans []struct {
		Match string  `yaml:"match"`
		Plan  fileDoc `yaml:"plan"`
	} `yaml:"plans"`
}

// ParseLibrary decodes a plan library document.
func ParseLibrary(data []byte) (*Library, error) {
	var doc libraryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan library: %w", err)
	}
	lib := &Library{}
	for i, e := range doc.Plans {
		if strings.TrimSpace(e.Match) == "" {
			return nil, fmt.Errorf("plan library entry %d has no match pattern", i)
		}
		re, err := regexp.Compile(e.Match)
		if err != nil {
			return nil, fmt.Errorf("plan library entry %d: %w", i, err)
		}
		p, err := e.Plan.build()
		if err != nil {
			return nil, fmt.Errorf("plan library entry %d: %w", i, err)
		}
		lib.entries = append(lib.entries, libraryEntry{pattern: re, plan: p})
	}
	return lib, nil
}

// LoadLibrary reads a plan library file.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan library: %w", err)
	}
	return ParseLibrary(data)
}

// Len returns the number of entries.
func (l *Library) Len() int { return len(l.entries) }

// Plan returns the first plan whose pattern matches the prompt.
func (l *Library) Plan(ctx context.Context, prompt string) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, e := range l.entries {
		if e.pattern.MatchString(prompt) {
			return e.plan, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPlan, prompt)
}
