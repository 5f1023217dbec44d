package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

// TurnEvent is what the caller of a chat turn receives, one per fragment plus a
// single terminal event with Done set.
type TurnEvent struct {
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	SessionID *int64 `json:"session_id,omitempty"`
	MessageID *int64 `json:"message_id,omitempty"`
	Error     bool   `json:"error,omitempty"`
}

// Sink receives turn events. Returning an error aborts the turn.
type Sink func(TurnEvent) error

type TurnRequest struct {
	UserID         int64
	Message        string
	SessionID      *int64
	IncludeReports bool
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	SessionID int64
	Message   *models.ChatMessage
}

type PipelineConfig struct {
	Completion    core.CompletionOptions
	TitleMaxChars int
}

// Pipeline runs chat turns: session, user message, title, context, streamed
// completion, assistant message.
type Pipeline struct {
	db        core.DbClient
	assembler *ContextAssembler
	engine    core.CompletionEngine
	cfg       PipelineConfig
	log       *zap.Logger
}

func NewPipeline(db core.DbClient, assembler *ContextAssembler, engine core.CompletionEngine, cfg PipelineConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{db: db, assembler: assembler, engine: engine, cfg: cfg, log: log}
}

// Run executes one turn and feeds its events to sink.
//
// A returned error means the turn never got going (bad input, unknown session,
// the user message could not be stored) or was abandoned (context cancelled, sink
// failed). Failures after the user message is stored end the stream with an error
// event instead and Run returns nil.
//
// An abandoned turn persists nothing for the assistant; the partial buffer is dropped.
func (p *Pipeline) Run(ctx context.Context, req TurnRequest, sink Sink) error {
	_, err := p.run(ctx, req, sink)
	return err
}

// Collect runs a turn without streaming and reads the assistant message back.
func (p *Pipeline) Collect(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	var (
		final TurnEvent
		got   bool
	)
	failure, err := p.run(ctx, req, func(ev TurnEvent) error {
		if ev.Done {
			final, got = ev, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if !got || final.MessageID == nil || final.SessionID == nil {
		return nil, errors.New("turn ended without an assistant message")
	}
	msg, err := p.db.GetMessage(ctx, *final.MessageID)
	if err != nil {
		return nil, err
	}
	return &TurnResult{SessionID: *final.SessionID, Message: msg}, nil
}

// run returns the failure reported to the sink (if any) separately from errors
// that abort the turn.
func (p *Pipeline) run(ctx context.Context, req TurnRequest, sink Sink) (failure error, err error) {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, core.NewValidationError("message", "must not be empty")
	}

	session, err := p.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	sid := session.ID
	log := p.log.With(zap.Int64("session_id", sid), zap.Int64("user_id", req.UserID))

	userMsg := &models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: question}
	if err := p.db.CreateMessage(ctx, userMsg); err != nil {
		return nil, core.NewPersistenceError("store user message", err)
	}

	if session.Title == nil || *session.Title == "" {
		if err := p.db.SetSessionTitle(ctx, sid, Title(question, p.cfg.TitleMaxChars)); err != nil {
			log.Warn("session title not set", zap.Error(err))
		}
	}

	fail := func(cause error) (error, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("chat turn failed", zap.Error(cause))
		if err := sink(TurnEvent{Content: "Error: " + cause.Error(), Done: true, SessionID: &sid, Error: true}); err != nil {
			return cause, err
		}
		return cause, nil
	}

	msgs, err := p.assembler.Assemble(ctx, TurnContext{
		UserID:           req.UserID,
		SessionID:        sid,
		Question:         question,
		IncludeReports:   req.IncludeReports,
		CurrentMessageID: userMsg.ID,
	})
	if err != nil {
		return fail(err)
	}

	stream, err := p.engine.CompleteStream(ctx, msgs, p.cfg.Completion)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	var buf strings.Builder
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if frag == "" {
			continue
		}
		buf.WriteString(frag)
		if err := sink(TurnEvent{Content: frag, SessionID: &sid}); err != nil {
			log.Info("chat turn abandoned by client", zap.Int("buffered", buf.Len()), zap.Error(err))
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		log.Info("chat turn cancelled", zap.Int("buffered", buf.Len()))
		return nil, err
	}

	reply := &models.ChatMessage{SessionID: sid, Role: models.RoleAssistant, Content: buf.String()}
	if err := p.db.CreateMessage(ctx, reply); err != nil {
		return fail(core.NewPersistenceError("store assistant message", err))
	}
	if err := p.db.TouchSession(ctx, sid); err != nil {
		log.Warn("session not touched", zap.Error(err))
	}

	mid := reply.ID
	if err := sink(TurnEvent{Done: true, SessionID: &sid, MessageID: &mid}); err != nil {
		return nil, err
	}
	log.Debug("chat turn completed", zap.Int64("message_id", mid), zap.Int("chars", buf.Len()))
	return nil, nil
}

func (p *Pipeline) resolveSession(ctx context.Context, req TurnRequest) (*models.ChatSession, error) {
	if req.SessionID != nil {
		return p.db.GetSession(ctx, req.UserID, *req.SessionID)
	}
	s, err := p.db.CreateSession(ctx, req.UserID)
	if err != nil {
		return nil, core.NewPersistenceError("create session", err)
	}
	return s, nil
}

// Title is the first max characters of the first message, with "..." when cut.
func Title(message string, max int) string {
	r := []rune(message)
	if max <= 0 || len(r) <= max {
		return message
	}
	return fmt.Sprintf("%s...", string(r[:max]))
}
