package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/egm-detector/internal/detector"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

// StateMessage carries the latest cycle result. It is sent on connect and
// in reply to a "get_state" request.
type StateMessage struct {
	Type   string          `json:"type"`
	Result detector.Result `json:"result"`
}

// ChangeMessage is broadcast when the stabilized state changes.
type ChangeMessage struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Result detector.Result `json:"result"`
}

// RateLimitedMessage replaces the reply to a message over the rate limit.
type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	rl := &rateLimiter{}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = rl
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	if err := s.write(baseCtx, conn, s.stateMessage()); err != nil {
		log.Debug("websocket write error", "error", err)
		return
	}

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow(time.Now()) {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = s.write(baseCtx, conn, RateLimitedMessage{
				Type:    "rate_limited",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "get_state":
			_ = s.write(baseCtx, conn, s.stateMessage())
		case "ping":
			_ = s.write(baseCtx, conn, Message{Type: "pong"})
		}
	}
}

func (s *Server) stateMessage() StateMessage {
	return StateMessage{Type: "state", Result: s.deps.Detector.Latest()}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WSWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (s *Server) broadcastEvents() {
	events := s.deps.Detector.Events()
	for {
		var evt detector.Event
		select {
		case <-s.ctx.Done():
			return
		case evt = <-events:
		}

		msg := ChangeMessage{Type: "state_change", From: evt.From, To: evt.To, Result: evt.Result}

		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn) {
				_ = s.write(s.ctx, c, msg)
			}(conn)
		}
		s.mu.RUnlock()
	}
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
