package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGate(c *clock, opts ...Option) *Gate {
	opts = append([]Option{WithClock(c.now), WithLogger(logging.Discard())}, opts...)
	return New(opts...)
}

func planWithRisk(t *testing.T, risk plan.RiskLevel) *plan.Plan {
	t.Helper()
	p, err := plan.New("test", "", "", []plan.Step{{ID: "s1", Order: 0, ToolName: "echo", RiskLevel: risk}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func codeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

func TestIssueIntent(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := newGate(c)

	tok, err := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))
	if err != nil {
		t.Fatal(err)
	}
	if len(tok.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok.Token))
	}
	if tok.ExecutionID != "A" || !tok.ExpiresAt.Equal(c.t.Add(DefaultTTL)) {
		t.Errorf("unexpected token: %+v", tok)
	}
	other, _ := g.IssueIntent("B", planWithRisk(t, plan.RiskLow))
	if other.Token == tok.Token {
		t.Error("tokens must be unique")
	}
}

func TestValidate_MismatchedAcrossExecutions(t *testing.T) {
	g := newGate(&clock{t: time.Now()})
	tokA, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))
	g.IssueIntent("B", planWithRisk(t, plan.RiskLow))

	if code := codeOf(g.Validate("B", tokA.Token, "")); code != CodeMismatched {
		t.Fatalf("token of A presented for B: code = %q, want MISMATCHED", code)
	}
	if code := codeOf(g.Validate("C", tokA.Token, "")); code != CodeMismatched {
		t.Fatalf("token for unknown execution: code = %q", code)
	}
	if err := g.Validate("A", tokA.Token, ""); err != nil {
		t.Fatalf("token must still be valid for A: %v", err)
	}
}

func TestValidate_ExpiredEvenWithPhrase(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGate(c, WithTTL(time.Minute))
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskHigh))

	c.advance(time.Minute + time.Millisecond)
	for attempt := 1; attempt <= 2; attempt++ {
		if code := codeOf(g.Validate("A", tok.Token, DefaultPhrase)); code != CodeExpired {
			t.Fatalf("attempt %d: code = %q, want EXPIRED", attempt, code)
		}
	}
	if code := codeOf(g.Validate("A", "forged", DefaultPhrase)); code != CodeMismatched {
		t.Errorf("wrong token after expiry: code = %q, want MISMATCHED", code)
	}
}

func TestValidate_ExpiredAfterSweepWithinRetention(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGate(c, WithTTL(time.Minute), WithRetention(time.Hour))
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskHigh))

	c.advance(time.Minute + time.Second)
	if dropped := g.Sweep(); len(dropped) != 0 {
		t.Fatalf("Sweep() dropped %v inside the retention period", dropped)
	}
	if code := codeOf(g.Validate("A", tok.Token, DefaultPhrase)); code != CodeExpired {
		t.Fatalf("code = %q, want EXPIRED", code)
	}
}

func TestValidate_ExactlyAtExpiryIsAccepted(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGate(c)
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))
	c.advance(DefaultTTL)
	if err := g.Validate("A", tok.Token, ""); err != nil {
		t.Fatalf("token at expiresAt should be valid: %v", err)
	}
}

func TestValidate_HighRiskPhrase(t *testing.T) {
	g := newGate(&clock{t: time.Now()})
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskHigh))

	for _, phrase := range []string{"", "i understand the risks", "I understand the risks ", " I understand the risks"} {
		if code := codeOf(g.Validate("A", tok.Token, phrase)); code != CodeInvalidPhrase {
			t.Errorf("phrase %q: code = %q, want INVALID_PHRASE", phrase, code)
		}
	}
	if err := g.Validate("A", tok.Token, DefaultPhrase); err != nil {
		t.Fatalf("exact phrase should succeed after failed attempts: %v", err)
	}
}

func TestValidate_LowAndMediumIgnorePhrase(t *testing.T) {
	for _, risk := range []plan.RiskLevel{plan.RiskLow, plan.RiskMedium} {
		g := newGate(&clock{t: time.Now()})
		tok, _ := g.IssueIntent("A", planWithRisk(t, risk))
		if err := g.Validate("A", tok.Token, ""); err != nil {
			t.Errorf("%s without phrase: %v", risk, err)
		}
	}
}

func TestValidate_SingleUse(t *testing.T) {
	g := newGate(&clock{t: time.Now()})
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))
	if err := g.Validate("A", tok.Token, ""); err != nil {
		t.Fatal(err)
	}
	if code := codeOf(g.Validate("A", tok.Token, "")); code != CodeMismatched {
		t.Errorf("reused token: code = %q, want MISMATCHED", code)
	}
}

func TestIssueIntent_ReplacesPriorToken(t *testing.T) {
	g := newGate(&clock{t: time.Now()})
	first, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))
	second, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskLow))

	if code := codeOf(g.Validate("A", first.Token, "")); code != CodeMismatched {
		t.Errorf("replaced token: code = %q", code)
	}
	if err := g.Validate("A", second.Token, ""); err != nil {
		t.Errorf("latest token: %v", err)
	}
}

func TestConfiguredPhrase(t *testing.T) {
	g := newGate(&clock{t: time.Now()}, WithPhrase("deploy to prod"))
	tok, _ := g.IssueIntent("A", planWithRisk(t, plan.RiskHigh))
	if code := codeOf(g.Validate("A", tok.Token, DefaultPhrase)); code != CodeInvalidPhrase {
		t.Errorf("default phrase accepted after reconfiguration")
	}
	g.SetPhrase("")
	if g.Phrase() != "deploy to prod" {
		t.Error("empty phrase must be ignored")
	}
	if err := g.Validate("A", tok.Token, "deploy to prod"); err != nil {
		t.Error(err)
	}
}

func TestRevokeAndSweep(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGate(c, WithTTL(time.Second), WithRetention(time.Minute))
	a, _ := g.IssueIntent("A", nil)
	g.IssueIntent("B", nil)

	g.Revoke("A")
	if code := codeOf(g.Validate("A", a.Token, "")); code != CodeMismatched {
		t.Errorf("revoked token: code = %q", code)
	}

	c.advance(2 * time.Second)
	g.IssueIntent("C", nil)
	if dropped := g.Sweep(); len(dropped) != 0 {
		t.Errorf("Sweep() = %v before retention elapsed", dropped)
	}

	c.advance(time.Minute)
	dropped := g.Sweep()
	if len(dropped) != 1 || dropped[0] != "B" {
		t.Errorf("Sweep() = %v, want [B]", dropped)
	}
	if g.Live() != 1 {
		t.Errorf("Live() = %d, want 1", g.Live())
	}
}
