package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/vinayprograms/orchestrator/internal/fanout"
)

// writeTimeout bounds a single frame write. Each observer has its own writer
// goroutine, so a stalled client only delays its own frames.
const writeTimeout = 10 * time.Second

// Client frame types.
const (
	clientSubscribe   = "subscribe"
	clientUnsubscribe = "unsubscribe"
	clientHeartbeat   = "heartbeat"
)

func (s *Server) websocketHandler() http.Handler {
	return websocket.Server{
		Handshake: func(cfg *websocket.Config, r *http.Request) error {
			origin := r.Header.Get("Origin")
			if !originAllowed(s.AllowedOrigins, origin) {
				return fmt.Errorf("origin %q not allowed", origin)
			}
			return nil
		},
		Handler: s.serveObserver,
	}
}

// serveObserver registers the connection as an observer for its lifetime.
func (s *Server) serveObserver(ws *websocket.Conn) {
	newID := s.NewObserverID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()

	var mu sync.Mutex
	send := func(f fanout.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return websocket.JSON.Send(ws, f)
	}

	s.Fanout.AddObserver(id, fanout.SenderFunc(send))
	s.Logger.Debug("observer connected", map[string]interface{}{"observer": id})
	defer func() {
		s.Fanout.RemoveObserver(id)
		ws.Close()
		s.Logger.Debug("observer disconnected", map[string]interface{}{"observer": id})
	}()

	for {
		var cf ClientFrame
		if err := websocket.JSON.Receive(ws, &cf); err != nil {
			if err != io.EOF {
				s.Logger.Debug("observer read failed", map[string]interface{}{"observer": id, "error": err.Error()})
			}
			return
		}
		if err := s.handleClientFrame(ws.Request().Context(), id, cf); err != nil {
			s.Fanout.Send(id, errorFrame(err.Error()))
		}
	}
}

func (s *Server) handleClientFrame(ctx context.Context, observerID string, cf ClientFrame) error {
	switch cf.Type {
	case clientHeartbeat:
		return s.Fanout.Send(observerID, fanout.Frame{Type: fanout.FrameHeartbeat, Payload: map[string]interface{}{}, Timestamp: time.Now()})

	case clientSubscribe, clientUnsubscribe:
		var p SubscriptionPayload
		if len(cf.Payload) > 0 {
			if err := json.Unmarshal(cf.Payload, &p); err != nil {
				return fmt.Errorf("invalid %s payload: %v", cf.Type, err)
			}
		}
		if p.ExecutionID == "" {
			return fmt.Errorf("%s requires executionId", cf.Type)
		}
		if cf.Type == clientUnsubscribe {
			s.Fanout.Unsubscribe(observerID, p.ExecutionID)
			return nil
		}
		// Late subscribers start from the current state, queued ahead of any
		// event that follows it.
		return s.Fanout.SubscribeWithSnapshot(observerID, p.ExecutionID, func() (fanout.Frame, bool) {
			e, err := s.Orchestrator.Get(ctx, p.ExecutionID)
			if err != nil {
				return fanout.Frame{}, false
			}
			return fanout.Frame{
				Type: fanout.FrameExecutionUpdate,
				Payload: fanout.ExecutionUpdate{
					ExecutionID: e.ID,
					Status:      e.Status,
					Error:       e.Error,
				},
				Timestamp: time.Now(),
			}, true
		})
	}
	return fmt.Errorf("unknown frame type %q", cf.Type)
}

func errorFrame(msg string) fanout.Frame {
	return fanout.Frame{
		Type:      fanout.FrameError,
		Payload:   map[string]interface{}{"message": msg},
		Timestamp: time.Now(),
	}
}
