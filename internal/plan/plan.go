// Package plan defines execution plans: ordered tool steps, optional
// compensating rollback steps, and the risk classification derived from them.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPlan is wrapped by every validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// RiskLevel classifies how dangerous a step or plan is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var riskRank = map[RiskLevel]int{
	RiskLow:    0,
	RiskMedium: 1,
	RiskHigh:   2,
}

// ParseRisk parses a risk level case-insensitively.
func ParseRisk(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskRank[r]; !ok {
		return "", fmt.Errorf("%w: unknown risk level %q", ErrInvalidPlan, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Less reports whether r is strictly lower than other.
func (r RiskLevel) Less(other RiskLevel) bool {
	return riskRank[r] < riskRank[other]
}

// MaxRisk returns the highest of the given levels (LOW when none).
func MaxRisk(levels ...RiskLevel) RiskLevel {
	max := RiskLow
	for _, l := range levels {
		if max.Less(l) {
			max = l
		}
	}
	return max
}

// Step is one forward tool invocation.
type Step struct {
	ID          string                 `json:"id" yaml:"id"`
	Order       int                    `json:"order" yaml:"order"`
	ToolName    string                 `json:"toolName" yaml:"tool"`
	Description string                 `json:"description" yaml:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RiskLevel   RiskLevel              `json:"riskLevel" yaml:"risk_level"`
}

// RollbackStep is a compensating action for a forward step. Rollback steps
// are independent of each other and run only on explicit request.
type RollbackStep struct {
	Step              `yaml:",inline"`
	TriggeredByStepID string `json:"triggeredByStepId" yaml:"triggered_by"`
}

// Plan is an immutable, ordered sequence of steps with a risk classification.
type Plan struct {
	Summary    string         `json:"summary" yaml:"summary"`
	RiskLevel  RiskLevel      `json:"riskLevel" yaml:"risk_level"`
	RiskReason string         `json:"riskReason" yaml:"risk_reason"`
	Steps      []Step         `json:"steps" yaml:"steps"`
	Rollback   []RollbackStep `json:"rollbackSteps,omitempty" yaml:"rollback,omitempty"`
}

// New builds a validated plan. Steps are sorted by Order and the plan risk is
// the maximum over its steps. A declared risk is replaced by that maximum.
func New(summary string, declared RiskLevel, reason string, steps []Step, rollback []RollbackStep) (*Plan, error) {
	p := &Plan{
		Summary:    summary,
		RiskLevel:  declared,
		RiskReason: reason,
		Steps:      append([]Step(nil), steps...),
		Rollback:   append([]RollbackStep(nil), rollback...),
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// normalize sorts steps and sets the plan risk to the step maximum. An
// unknown declared level is left for Validate to reject.
func (p *Plan) normalize() {
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].Order < p.Steps[j].Order })
	for i := range p.Steps {
		if p.Steps[i].RiskLevel == "" {
			p.Steps[i].RiskLevel = RiskLow
		}
	}
	for i := range p.Rollback {
		if p.Rollback[i].RiskLevel == "" {
			p.Rollback[i].RiskLevel = RiskLow
		}
	}
	if p.RiskLevel == "" || p.RiskLevel.Valid() {
		p.RiskLevel = MaxRisk(p.stepRisks()...)
	}
}

func (p *Plan) stepRisks() []RiskLevel {
	levels := make([]RiskLevel, 0, len(p.Steps))
	for _, s := range p.Steps {
		levels = append(levels, s.RiskLevel)
	}
	return levels
}

// Validate checks the structural invariants of the plan.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	if !p.RiskLevel.Valid() {
		return fmt.Errorf("%w: unknown plan risk level %q", ErrInvalidPlan, p.RiskLevel)
	}

	ids := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step at position %d has no id", ErrInvalidPlan, i)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID)
		}
		ids[s.ID] = true
		if s.Order != i {
			return fmt.Errorf("%w: step orders must be unique and contiguous from 0 (position %d has order %d)", ErrInvalidPlan, i, s.Order)
		}
		if strings.TrimSpace(s.ToolName) == "" {
			return fmt.Errorf("%w: step %q has no tool", ErrInvalidPlan, s.ID)
		}
		if !s.RiskLevel.Valid() {
			return fmt.Errorf("%w: step %q has unknown risk level %q", ErrInvalidPlan, s.ID, s.RiskLevel)
		}
	}

	if want := MaxRisk(p.stepRisks()...); p.RiskLevel != want {
		return fmt.Errorf("%w: plan risk %s does not match its riskiest step %s", ErrInvalidPlan, p.RiskLevel, want)
	}

	rbIDs := make(map[string]bool, len(p.Rollback))
	for _, r := range p.Rollback {
		if r.ID == "" {
			return fmt.Errorf("%w: rollback step has no id", ErrInvalidPlan)
		}
		if rbIDs[r.ID] || ids[r.ID] {
			return fmt.Errorf("%w: duplicate rollback step id %q", ErrInvalidPlan, r.ID)
		}
		rbIDs[r.ID] = true
		if strings.TrimSpace(r.ToolName) == "" {
			return fmt.Errorf("%w: rollback step %q has no tool", ErrInvalidPlan, r.ID)
		}
		if !ids[r.TriggeredByStepID] {
			return fmt.Errorf("%w: rollback step %q references unknown step %q", ErrInvalidPlan, r.ID, r.TriggeredByStepID)
		}
	}
	return nil
}

// ToolNames returns every distinct tool the plan references, forward and rollback.
func (p *Plan) ToolNames() []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, s := range p.Steps {
		add(s.ToolName)
	}
	for _, r := range p.Rollback {
		add(r.ToolName)
	}
	return names
}

// UnmarshalJSON decodes and normalizes a plan received over the wire.
func (p *Plan) UnmarshalJSON(data []byte) error {
	type raw Plan
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*p = Plan(r)
	p.normalize()
	return nil
}
