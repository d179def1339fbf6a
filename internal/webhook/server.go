// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/user/convaichat/internal/chat"
	"github.com/user/convaichat/internal/types"
	"github.com/user/convaichat/pkg/datastream"
	"github.com/user/convaichat/pkg/llm"
)

// Server is a lightweight HTTP front end to the chat service.
type Server struct {
	chat     *chat.Service
	threads  types.ThreadStore
	messages types.MessageStore
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer creates a Server. threads and messages back the read-only
// history API and may be nil to disable it.
func NewServer(svc *chat.Service, threads types.ThreadStore, messages types.MessageStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		chat:     svc,
		threads:  threads,
		messages: messages,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /chat/retry", s.handleRetry)
	s.mux.HandleFunc("GET /api/threads", s.handleAPIThreads)
	s.mux.HandleFunc("GET /api/threads/{id}/messages", s.handleAPIThreadMessages)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chatRequest is the JSON body for POST /chat and POST /chat/retry.
type chatRequest struct {
	SessionKey string `json:"session_key"`
	Message    string `json:"message"`
}

type chatResponse struct {
	Response       string            `json:"response"`
	ThreadID       string            `json:"thread_id"`
	MessageID      string            `json:"message_id,omitempty"`
	FinishReason   string            `json:"finish_reason,omitempty"`
	Usage          *datastream.Usage `json:"usage,omitempty"`
	UsageEstimated bool              `json:"usage_estimated,omitempty"`
}

func newChatResponse(reply *chat.Reply) chatResponse {
	resp := chatResponse{
		Response:     reply.Message.Content,
		ThreadID:     string(reply.Thread.ThreadID),
		MessageID:    reply.Turn.MessageID,
		FinishReason: reply.Turn.FinishReason,
	}
	if meta := reply.Message.Turn; meta != nil {
		resp.Usage = meta.Usage
		resp.UsageEstimated = meta.UsageEstimated
	}
	return resp
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.SessionKey == "" {
		writeError(w, http.StatusBadRequest, "session_key is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.chat.SendMessage(r.Context(), types.SessionKey(req.SessionKey), req.Message, nil)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(reply))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := s.chat.RetryLastMessage(r.Context(), types.SessionKey(req.SessionKey), nil)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(reply))
}

// writeChatError maps chat and upstream failures to HTTP statuses. Upstream
// messages are already user-facing and pass through unchanged.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var httpErr *llm.HTTPError
	var readErr *datastream.ReadError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrBusy), errors.Is(err, chat.ErrNothingToRetry):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &httpErr), errors.As(err, &readErr), errors.Is(err, datastream.ErrNoResponseBody):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type threadResponse struct {
	ThreadID     string `json:"thread_id"`
	ResourceID   string `json:"resource_id"`
	SessionKey   string `json:"session_key"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int64  `json:"message_count"`
}

func (s *Server) handleAPIThreads(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil || s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "history API not configured")
		return
	}
	ctx := r.Context()
	threads, err := s.threads.List(ctx)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]threadResponse, 0, len(threads))
	for _, th := range threads {
		count, err := s.messages.Count(ctx, th.ThreadID)
		if err != nil {
			s.logger.Warn("count messages failed", "thread_id", string(th.ThreadID), "error", err)
		}
		result = append(result, threadResponse{
			ThreadID:     string(th.ThreadID),
			ResourceID:   string(th.ResourceID),
			SessionKey:   string(th.SessionKey),
			Status:       th.Status,
			CreatedAt:    th.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:    th.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			MessageCount: count,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPIThreadMessages(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil || s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "history API not configured")
		return
	}
	threadID := types.ThreadID(r.PathValue("id"))
	if _, err := s.threads.Get(r.Context(), threadID); err != nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.messages.Tail(r.Context(), threadID, limit)
	if err != nil {
		s.logger.Error("tail messages failed", "thread_id", string(threadID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*types.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
