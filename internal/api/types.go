package api

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/orchestrator/internal/plan"
)

// ExecuteRequest proposes a plan for a prompt. Without a plan the server's
// planner is asked for one.
type ExecuteRequest struct {
	Prompt string     `json:"prompt"`
	Plan   *plan.Plan `json:"plan,omitempty"`
}

// ExecuteResponse carries what the user must see before confirming.
type ExecuteResponse struct {
	ExecutionID string     `json:"executionId"`
	Plan        *plan.Plan `json:"plan"`
	IntentToken string     `json:"intentToken"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// ConfirmRequest accepts or declines a proposed plan.
type ConfirmRequest struct {
	Confirmed     bool   `json:"confirmed"`
	IntentToken   string `json:"intentToken"`
	ConfirmPhrase string `json:"confirmPhrase,omitempty"`
}

// ConfirmResponse reports the status after confirmation.
type ConfirmResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ClientFrame is a message sent by a WebSocket client.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionPayload names the execution of a subscribe or unsubscribe frame.
type SubscriptionPayload struct {
	ExecutionID string `json:"executionId"`
}
