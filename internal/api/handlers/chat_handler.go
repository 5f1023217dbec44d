package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/core/conversation"
	"github.com/markdave123-py/Medico/internal/models"
	"github.com/markdave123-py/Medico/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
	log  *zap.Logger
}

func NewChatHandler(chat *services.ChatService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, log: log}
}

type ChatRequest struct {
	Message        string `json:"message"`
	SessionID      *int64 `json:"session_id"`
	IncludeReports *bool  `json:"include_reports"`
	Stream         *bool  `json:"stream"`
}

type ChatResponse struct {
	SessionID int64               `json:"session_id"`
	Message   *models.ChatMessage `json:"message"`
}

// Chat runs one turn. By default the reply is streamed as server-sent events, one
// "data: <event json>" frame per fragment and a final frame with done=true.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, h.log, core.NewValidationError("body", "invalid request"))
		return
	}

	turn := conversation.TurnRequest{
		UserID:         user.ID,
		Message:        req.Message,
		SessionID:      req.SessionID,
		IncludeReports: req.IncludeReports == nil || *req.IncludeReports,
	}

	if req.Stream != nil && !*req.Stream {
		res, err := h.chat.Ask(r.Context(), turn)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, ChatResponse{SessionID: res.SessionID, Message: res.Message})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{"streaming unsupported"})
		return
	}

	started := false
	sink := func(ev conversation.TurnEvent) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.chat.Stream(r.Context(), turn, sink); err != nil {
		if !started {
			writeError(w, h.log, err)
			return
		}
		h.log.Info("chat stream ended early", zap.Int64("user_id", user.ID), zap.Error(err))
	}
}

// Sessions serves GET /chat/sessions?limit=..&offset=..
func (h *ChatHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	sessions, err := h.chat.Sessions(r.Context(), user.ID, offset, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *ChatHandler) Session(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	detail, err := h.chat.Session(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *ChatHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.chat.DeleteSession(r.Context(), user.ID, id); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
}

// History serves GET /chat/history?session_id=..&limit=..
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	sid, err := strconv.ParseInt(r.URL.Query().Get("session_id"), 10, 64)
	if err != nil || sid <= 0 {
		writeError(w, h.log, core.NewValidationError("session_id", "must be a positive integer"))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	msgs, err := h.chat.History(r.Context(), user.ID, sid, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sid, "messages": msgs})
}
