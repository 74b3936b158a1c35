// internal/api/server.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/deskmate/internal/session"
	"github.com/user/deskmate/internal/state"
	"github.com/user/deskmate/internal/types"
)

// Engine is the part of the session the API drives.
type Engine interface {
	Send(text string, attachments []types.Attachment, opts ...session.SendOption) (types.ClientID, error)
	Cancel()
	Retry()
	Snapshot() *session.Snapshot
}

// PromptTrigger fires a named prompt.
type PromptTrigger func(name string) error

// Server is a local HTTP control surface over a running session.
type Server struct {
	engine  Engine
	threads types.ThreadStore
	trigger PromptTrigger
	mux     *http.ServeMux
}

// NewServer creates a Server. threads and trigger may be nil, in which case
// the matching endpoints answer 503.
func NewServer(engine Engine, threads types.ThreadStore, trigger PromptTrigger) *Server {
	s := &Server{
		engine:  engine,
		threads: threads,
		trigger: trigger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/send", s.handleSend)
	s.mux.HandleFunc("POST /api/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/retry", s.handleRetry)
	s.mux.HandleFunc("GET /api/threads", s.handleThreads)
	s.mux.HandleFunc("GET /api/threads/{id}/messages", s.handleThreadMessages)
	s.mux.HandleFunc("POST /api/prompts/{name}", s.handlePrompt)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the JSON body for GET /api/status.
type statusResponse struct {
	ThreadID      types.ThreadID        `json:"thread_id"`
	Connection    types.ConnectionState `json:"connection"`
	QueuedCount   int                   `json:"queued_count"`
	Queued        []types.QueuedMessage `json:"queued"`
	RunID         types.RunID           `json:"run_id,omitempty"`
	RunState      types.RunState        `json:"run_state,omitempty"`
	Pipeline      types.PipelineState   `json:"pipeline,omitempty"`
	PipelineLabel string                `json:"pipeline_label,omitempty"`
	ActiveAgent   types.AgentRole       `json:"active_agent,omitempty"`
	RecentAgents  []types.AgentRole     `json:"recent_agents"`
	Streaming     bool                  `json:"streaming"`
	LastError     *errorBody            `json:"last_error,omitempty"`
	MessageCount  int                   `json:"message_count"`
}

type errorBody struct {
	RunID   string `json:"run_id"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	resp := statusResponse{
		ThreadID:      snap.ThreadID,
		Connection:    snap.Connection,
		QueuedCount:   snap.QueuedCount(),
		Queued:        snap.Queued,
		RunID:         snap.RunID,
		RunState:      snap.RunState,
		Pipeline:      snap.Pipeline,
		PipelineLabel: snap.PipelineLabel,
		ActiveAgent:   snap.ActiveAgent,
		RecentAgents:  snap.RecentAgents,
		Streaming:     snap.Streaming() != nil,
		MessageCount:  len(snap.Messages),
	}
	if resp.Queued == nil {
		resp.Queued = []types.QueuedMessage{}
	}
	if resp.RecentAgents == nil {
		resp.RecentAgents = []types.AgentRole{}
	}
	if e := snap.LastError; e != nil {
		resp.LastError = &errorBody{RunID: e.RunID, Code: e.Code, Message: e.Message}
	}
	writeJSON(w, http.StatusOK, resp)
}

// sendRequest is the JSON body for POST /api/send.
type sendRequest struct {
	Text        string             `json:"text"`
	Attachments []types.Attachment `json:"attachments"`
	Voice       bool               `json:"voice"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var opts []session.SendOption
	if req.Voice {
		opts = append(opts, session.WithVoice())
	}
	clientID, err := s.engine.Send(req.Text, req.Attachments, opts...)
	if errors.Is(err, session.ErrEmptyMessage) {
		writeError(w, http.StatusBadRequest, "text or attachments required")
		return
	}
	if err != nil {
		slog.Error("api send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": string(clientID)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.engine.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.engine.Retry()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		writeError(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}
	threads, err := s.threads.ListThreads(r.Context())
	if err != nil {
		slog.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if threads == nil {
		threads = []*types.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		writeError(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}
	id := types.ThreadID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	if _, err := s.threads.GetThread(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		slog.Error("get thread failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := s.threads.Messages(r.Context(), id, limit)
	if err != nil {
		slog.Error("load messages failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "prompts not configured")
		return
	}
	name := r.PathValue("name")
	if err := s.trigger(name); err != nil {
		if errors.Is(err, state.ErrPromptNotFound) {
			writeError(w, http.StatusNotFound, "prompt not found")
			return
		}
		slog.Error("prompt trigger failed", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "prompt": name})
}
