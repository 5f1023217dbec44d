package services

import (
	"context"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/core/conversation"
	"github.com/markdave123-py/Medico/internal/models"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	defaultSessionsLimit = 20
	maxSessionsLimit     = 100
)

type ChatService struct {
	db       core.DbClient
	pipeline *conversation.Pipeline
}

func NewChatService(db core.DbClient, pipeline *conversation.Pipeline) *ChatService {
	return &ChatService{db: db, pipeline: pipeline}
}

// Stream runs a turn and hands every event to sink.
func (s *ChatService) Stream(ctx context.Context, req conversation.TurnRequest, sink conversation.Sink) error {
	return s.pipeline.Run(ctx, req, sink)
}

// Ask runs a turn and waits for the full reply.
func (s *ChatService) Ask(ctx context.Context, req conversation.TurnRequest) (*conversation.TurnResult, error) {
	return s.pipeline.Collect(ctx, req)
}

// Sessions lists the user's sessions, most recently active first. A zero limit
// means the default.
func (s *ChatService) Sessions(ctx context.Context, userID int64, offset, limit int) ([]models.ChatSession, error) {
	if limit == 0 {
		limit = defaultSessionsLimit
	}
	if limit < 1 || limit > maxSessionsLimit {
		return nil, core.NewValidationError("limit", "must be between 1 and %d", maxSessionsLimit)
	}
	if offset < 0 {
		return nil, core.NewValidationError("offset", "must not be negative")
	}
	return s.db.ListSessions(ctx, userID, offset, limit)
}

// SessionDetail carries the first maxHistoryLimit messages of a session.
// MessageCount is always the stored total; Truncated is set when messages were cut.
type SessionDetail struct {
	models.ChatSession
	Messages  []models.ChatMessage `json:"messages"`
	Truncated bool                 `json:"truncated,omitempty"`
}

func (s *ChatService) Session(ctx context.Context, userID, sessionID int64) (*SessionDetail, error) {
	sess, err := s.db.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.ListMessages(ctx, sessionID, maxHistoryLimit)
	if err != nil {
		return nil, err
	}
	total, err := s.db.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.MessageCount = total
	return &SessionDetail{ChatSession: *sess, Messages: msgs, Truncated: total > len(msgs)}, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	return s.db.DeleteSession(ctx, userID, sessionID)
}

// History returns up to limit messages of the session in chronological order.
// A zero limit means the default.
func (s *ChatService) History(ctx context.Context, userID, sessionID int64, limit int) ([]models.ChatMessage, error) {
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit < 1 || limit > maxHistoryLimit {
		return nil, core.NewValidationError("limit", "must be between 1 and %d", maxHistoryLimit)
	}
	if _, err := s.db.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, sessionID, limit)
}
