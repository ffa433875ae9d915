// Package server exposes the realtime observer WebSocket and a small REST
// API over the running listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/calm-listener/platform/internal/effect"
	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/orchestrator"
	"github.com/calm-listener/platform/internal/store"
	"github.com/calm-listener/platform/internal/trace"
)

// Backend is what the server needs from the orchestrator.
type Backend interface {
	Status() orchestrator.Status
	Events() <-chan orchestrator.TranscriptEvent
	RecentJobs(ctx context.Context, limit int) ([]store.JobRecord, error)
	TriggerEffect(ctx context.Context) error
}

// Message is the envelope every client message carries.
type Message struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type   string              `json:"type"`
	Status orchestrator.Status `json:"status"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// JobView is the JSON form of a job history row.
type JobView struct {
	ID             string     `json:"id"`
	SegmentID      string     `json:"segment_id"`
	JobID          string     `json:"job_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         string     `json:"status"`
	Polls          int        `json:"polls"`
	Verdict        string     `json:"verdict,omitempty"`
	MinScore       *float64   `json:"min_score,omitempty"`
	Transcript     string     `json:"transcript,omitempty"`
	Error          string     `json:"error,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func jobView(r store.JobRecord) JobView {
	v := JobView{
		ID:             r.ID,
		SegmentID:      r.SegmentID,
		JobID:          r.JobID,
		ConversationID: r.ConversationID,
		Status:         r.Status,
		Polls:          r.Polls,
		Verdict:        r.Verdict,
		MinScore:       r.MinScore,
		Transcript:     r.Transcript,
		Error:          r.Error,
		SubmittedAt:    r.SubmittedAt,
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

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

// client owns one connection's outbound queue, so every client sees
// broadcasts in the order they were produced.
type client struct {
	conn    *websocket.Conn
	send    chan any
	limiter rateLimiter
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	backend Backend
	metrics http.Handler

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a new server. metrics may be nil.
func New(backend Backend, metrics http.Handler) *Server {
	return &Server{
		backend: backend,
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("POST /api/effect", s.handleEffect)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Broadcast fans backend events out to every connected client until ctx
// ends or the event channel closes.
func (s *Server) Broadcast(ctx context.Context) {
	events := s.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.publish(ctx, evt)
		}
	}
}

func (s *Server) publish(ctx context.Context, msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			trace.Logger(ctx).Warn("websocket client behind, dropping event")
		}
	}
}

// Clients is the number of connected observers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)

	c := &client{conn: conn, send: make(chan any, ClientSendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	go s.writeLoop(ctx, cancel, c)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}
		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.enqueue(ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		switch msg.Type {
		case "status":
			c.enqueue(StatusMessage{Type: "status", Status: s.backend.Status()})
		default:
			c.enqueue(ErrorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, c *client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			wcancel()
			if err != nil {
				trace.Logger(ctx).Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	code := http.StatusOK
	if !st.Capturing {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"capturing": st.Capturing, "capture_error": st.CaptureError})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := DefaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxJobsLimit {
			writeError(w, r, apperrors.Newf(apperrors.InvalidArgument, "limit must be in 1..%d", MaxJobsLimit))
			return
		}
		limit = n
	}

	recs, err := s.backend.RecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]JobView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, jobView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	err := s.backend.TriggerEffect(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, effect.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
	case errors.Is(err, effect.ErrCooldown):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "cooldown"})
	case errors.Is(err, effect.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
	default:
		writeError(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.InvalidArgument:
			code = http.StatusBadRequest
		case apperrors.Unavailable:
			code = http.StatusServiceUnavailable
		}
	}
	if code >= 500 {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, ErrorMessage{Type: "error", Message: err.Error()})
}
