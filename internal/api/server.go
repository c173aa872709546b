// Package api exposes the orchestrator over HTTP and streams execution
// events to WebSocket observers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/fanout"
	"github.com/vinayprograms/orchestrator/internal/gate"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/orchestrator"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/store"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

// maxBodyBytes bounds request bodies; plans are small.
const maxBodyBytes = 1 << 20

// History lists recorded executions.
type History interface {
	List(ctx context.Context) ([]store.Summary, error)
}

// Server serves the orchestrator API.
type Server struct {
	Orchestrator   *orchestrator.Orchestrator
	Fanout         *fanout.Registry
	History        History // optional; adds evicted executions to GET /executions
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	NewObserverID  func() string
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = logging.New().WithComponent("api")
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	})
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /confirm/{id}", s.handleConfirm)
	mux.HandleFunc("GET /executions", s.handleList)
	mux.HandleFunc("GET /executions/{id}", s.handleGet)
	mux.HandleFunc("POST /executions/{id}/intent", s.handleReissue)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /executions/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.Handle("GET /ws", s.websocketHandler())

	var h http.Handler = mux
	h = CORSMiddleware(s.AllowedOrigins)(h)
	h = AuthMiddleware(s.AuthToken)(h)
	h = LoggingMiddleware(s.Logger)(h)
	h = RecoverMiddleware(s.Logger)(h)
	return h
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt required")
		return
	}
	e, tok, err := s.Orchestrator.Propose(r.Context(), req.Prompt, req.Plan)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID: e.ID,
		Plan:        e.Plan,
		IntentToken: tok.Token,
		ExpiresAt:   tok.ExpiresAt,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	var err error
	status := execution.StatusExecuting
	if req.Confirmed {
		err = s.Orchestrator.Confirm(r.Context(), id, req.IntentToken, req.ConfirmPhrase)
	} else {
		err = s.Orchestrator.Decline(r.Context(), id)
		status = execution.StatusCancelled
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{ExecutionID: id, Status: string(status)})
}

// handleReissue issues a fresh intent token for a proposal still awaiting
// confirmation, replacing the previous one.
func (s *Server) handleReissue(w http.ResponseWriter, r *http.Request) {
	e, tok, err := s.Orchestrator.ReissueIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID: e.ID,
		Plan:        e.Plan,
		IntentToken: tok.Token,
		ExpiresAt:   tok.ExpiresAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var out []store.Summary
	for _, e := range s.Orchestrator.List() {
		seen[e.ID] = true
		out = append(out, store.Summarize(e))
	}
	if s.History != nil {
		recorded, err := s.History.List(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, sum := range recorded {
			if !seen[sum.ID] {
				out = append(out, sum)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if out == nil {
		out = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.Orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Orchestrator.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Orchestrator.Rollback(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	e, err := s.Orchestrator.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orchestrator.Tools().Names())
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ge *gate.Error
	switch {
	case errors.As(err, &ge):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: string(ge.Code)})
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, execution.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_TRANSITION"})
	case errors.Is(err, plan.ErrInvalidPlan), errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, plan.ErrNoPlan), errors.Is(err, orchestrator.ErrNoPlanner):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Error("request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
