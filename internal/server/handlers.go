package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/gateway"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/logger"
)

const (
	// UpstreamMessage is the only text a client sees when the LLM call fails.
	UpstreamMessage = "Sorry, I couldn't reach the assistant right now. Please try again."
	internalMessage = "Internal server error"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type messageView struct {
	Role      history.Role `json:"role"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

type threadView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type threadResponse struct {
	ThreadID string        `json:"threadId"`
	Messages []messageView `json:"messages"`
}

type threadsResponse struct {
	Threads []threadView `json:"threads"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	const op = "server.chat"
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperr.New(apperr.KindBadRequest, op, "Request body too large"))
			return
		}
		s.writeError(w, r, &apperr.Error{Kind: apperr.KindBadRequest, Op: op, Msg: "Invalid JSON body", Err: err})
		return
	}

	resp, err := s.conv.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("threadId")
	msgs, err := s.conv.Thread(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := threadResponse{ThreadID: id, Messages: make([]messageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageView{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.New(apperr.KindBadRequest, "server.threads", fmt.Sprintf("limit must be a positive integer, got %q", raw)))
			return
		}
		limit = n
	}

	threads, err := s.conv.Threads(r.Context(), q.Get("userEmail"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := threadsResponse{Threads: make([]threadView, 0, len(threads))}
	for _, t := range threads {
		out.Threads = append(out.Threads, threadView{ID: t.ID, Title: t.Title, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   s.cfg.Server.ServiceName,
		Version:   s.cfg.Server.Version,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
}

// writeError renders err as JSON. Details are only attached outside
// production, and never for upstream failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: publicMessage(err)}
	if !s.cfg.Server.Production() && kind != apperr.KindUpstream {
		body.Details = err.Error()
	}
	if kind == apperr.KindUnknown || kind == apperr.KindConfiguration || kind == apperr.KindPersistence {
		logger.L.Error("request failed", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

func publicMessage(err error) string {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return internalMessage
	}
	switch e.Kind {
	case apperr.KindUpstream:
		return UpstreamMessage
	case apperr.KindUnauthenticated, apperr.KindForbidden, apperr.KindRateLimited, apperr.KindBadRequest:
		if e.Msg != "" {
			return e.Msg
		}
		return http.StatusText(e.Kind.HTTPStatus())
	default:
		return internalMessage
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to encode response", "error", err)
	}
}
