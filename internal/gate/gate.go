// Package gate issues short-lived intent tokens for proposed plans and checks
// them, plus the typed phrase for HIGH-risk plans, before execution starts.
package gate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

const (
	// DefaultTTL is how long an intent token stays valid.
	DefaultTTL = 5 * time.Minute
	// DefaultRetention is how long an expired token is kept so that presenting
	// it still reports EXPIRED rather than MISMATCHED.
	DefaultRetention = time.Hour
	// DefaultPhrase must be typed to confirm a HIGH-risk plan.
	DefaultPhrase = "I understand the risks"
)

// Code classifies a rejected confirmation.
type Code string

const (
	CodeExpired       Code = "EXPIRED"
	CodeMismatched    Code = "MISMATCHED"
	CodeInvalidPhrase Code = "INVALID_PHRASE"
)

// Error is returned by Validate.
type Error struct {
	Code        Code
	ExecutionID string
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeExpired:
		return fmt.Sprintf("intent token for execution %s has expired", e.ExecutionID)
	case CodeMismatched:
		return fmt.Sprintf("intent token does not match execution %s", e.ExecutionID)
	case CodeInvalidPhrase:
		return fmt.Sprintf("confirmation phrase for execution %s is incorrect", e.ExecutionID)
	}
	return fmt.Sprintf("confirmation rejected for execution %s: %s", e.ExecutionID, e.Code)
}

// IntentToken proves that a specific plan was recently shown to the caller.
type IntentToken struct {
	Token       string    `json:"token"`
	ExecutionID string    `json:"executionId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type pending struct {
	token IntentToken
	risk  plan.RiskLevel
}

// Gate holds at most one live token per execution.
type Gate struct {
	mu     sync.Mutex
	tokens map[string]pending
	ttl       time.Duration
	retention time.Duration
	phrase    string
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL sets the token lifetime.
func WithTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithRetention sets how long expired tokens are kept before Sweep drops them.
func WithRetention(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.retention = d
		}
	}
}

// WithPhrase sets the phrase required for HIGH-risk plans.
func WithPhrase(p string) Option {
	return func(g *Gate) {
		if p != "" {
			g.phrase = p
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		tokens: make(map[string]pending),
		ttl:       DefaultTTL,
		retention: DefaultRetention,
		phrase:    DefaultPhrase,
		now:       time.Now,
		logger:    logging.New(),
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.WithComponent("gate")
	return g
}

// Phrase returns the phrase currently required for HIGH-risk plans.
func (g *Gate) Phrase() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phrase
}

// SetPhrase changes the required phrase. Empty is ignored.
func (g *Gate) SetPhrase(p string) {
	if p == "" {
		return
	}
	g.mu.Lock()
	g.phrase = p
	g.mu.Unlock()
}

// SetTTL changes the lifetime of tokens issued from now on.
func (g *Gate) SetTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.ttl = d
	g.mu.Unlock()
}

// IssueIntent creates a token for the execution, replacing any live one.
func (g *Gate) IssueIntent(executionID string, p *plan.Plan) (IntentToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return IntentToken{}, fmt.Errorf("failed to generate intent token: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	tok := IntentToken{
		Token:       hex.EncodeToString(buf),
		ExecutionID: executionID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.ttl),
	}
	risk := plan.RiskLow
	if p != nil {
		risk = p.RiskLevel
	}
	g.tokens[executionID] = pending{token: tok, risk: risk}
	return tok, nil
}

// Validate checks a confirmation. A token for another execution, or no token
// at all, is MISMATCHED. An expired token is EXPIRED, and stays EXPIRED on
// every later attempt until it is replaced, revoked or swept. A HIGH-risk
// plan confirmed without the exact phrase is INVALID_PHRASE and the token
// stays live. On success the token is consumed.
func (g *Gate) Validate(executionID, token, phrase string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.tokens[executionID]
	if !ok || p.token.Token != token {
		return g.reject(executionID, CodeMismatched)
	}
	if g.now().After(p.token.ExpiresAt) {
		return g.reject(executionID, CodeExpired)
	}
	if p.risk == plan.RiskHigh && phrase != g.phrase {
		return g.reject(executionID, CodeInvalidPhrase)
	}
	delete(g.tokens, executionID)
	return nil
}

func (g *Gate) reject(executionID string, code Code) error {
	g.logger.ConfirmationRejected(executionID, string(code))
	return &Error{Code: code, ExecutionID: executionID}
}

// Revoke drops the live token for an execution, if any.
func (g *Gate) Revoke(executionID string) {
	g.mu.Lock()
	delete(g.tokens, executionID)
	g.mu.Unlock()
}

// Sweep drops tokens that expired more than the retention period ago and
// returns their execution ids, sorted.
func (g *Gate) Sweep() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.retention)
	var dropped []string
	for id, p := range g.tokens {
		if cutoff.After(p.token.ExpiresAt) {
			delete(g.tokens, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	if len(dropped) > 0 {
		g.logger.Debug("expired tokens swept", map[string]interface{}{"count": len(dropped)})
	}
	return dropped
}

// Live returns how many tokens are held, expired ones awaiting Sweep included.
func (g *Gate) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}
