package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

const persona = `You are MedicoChatbot, a friendly and knowledgeable AI medical assistant.
Your role is to help users understand their health reports and answer medical questions in simple, easy-to-understand language.

Guidelines:
- Use simple words, avoid complex medical jargon
- When explaining medical terms, use analogies and examples
- Always be supportive and encouraging
- Never provide definitive diagnoses - recommend consulting healthcare providers
- Focus on education and understanding
- Use emojis occasionally to be friendly (but not excessively)`

// AssemblerConfig bounds each context section.
type AssemblerConfig struct {
	ReportLimit     int
	TopK            int
	HistoryMessages int
}

// TurnContext identifies what a prompt is being built for.
//
// CurrentMessageID is the already persisted user message; it is left out of the
// history because the question is appended on its own.
type TurnContext struct {
	UserID           int64
	SessionID        int64
	Question         string
	IncludeReports   bool
	CurrentMessageID int64
}

// ContextAssembler builds the prompt for one chat turn.
type ContextAssembler struct {
	db    core.DbClient
	index core.KnowledgeIndex
	cfg   AssemblerConfig
	log   *zap.Logger
}

func NewContextAssembler(db core.DbClient, index core.KnowledgeIndex, cfg AssemblerConfig, log *zap.Logger) *ContextAssembler {
	return &ContextAssembler{db: db, index: index, cfg: cfg, log: log}
}

// Assemble returns persona, report summaries, retrieved knowledge, history and the
// question, in that order. Empty sections are left out.
func (a *ContextAssembler) Assemble(ctx context.Context, tc TurnContext) ([]core.PromptMessage, error) {
	var (
		summaries []models.ReportSummary
		matches   []core.KnowledgeMatch
		history   []models.ChatMessage
	)

	g, gctx := errgroup.WithContext(ctx)

	if tc.IncludeReports && a.cfg.ReportLimit > 0 {
		g.Go(func() error {
			s, err := a.db.RecentSummaries(gctx, tc.UserID, a.cfg.ReportLimit)
			if err != nil {
				return fmt.Errorf("report summaries: %w", err)
			}
			summaries = s
			return nil
		})
	}

	g.Go(func() error {
		scope := core.QueryScope{OwnerID: tc.UserID, IncludeUserReports: tc.IncludeReports}
		m, err := a.index.Query(gctx, tc.Question, scope, a.cfg.TopK)
		if err != nil {
			a.log.Warn("knowledge retrieval failed, continuing without it",
				zap.Int64("session_id", tc.SessionID), zap.Error(err))
			return nil
		}
		matches = m
		return nil
	})

	g.Go(func() error {
		h, err := a.history(gctx, tc)
		if err != nil {
			return fmt.Errorf("chat history: %w", err)
		}
		history = h
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	msgs := make([]core.PromptMessage, 0, len(history)+4)
	msgs = append(msgs, core.PromptMessage{Role: models.RoleSystem, Content: persona})

	if len(summaries) > 0 {
		lines := make([]string, len(summaries))
		for i, s := range summaries {
			lines[i] = fmt.Sprintf("Report from %s: %s", s.CreatedAt.Format("2006-01-02"), s.Summary)
		}
		msgs = append(msgs, core.PromptMessage{
			Role:    models.RoleSystem,
			Content: "User's Medical Reports:\n" + strings.Join(lines, "\n\n"),
		})
	}

	if len(matches) > 0 {
		lines := make([]string, len(matches))
		for i, m := range matches {
			lines[i] = fmt.Sprintf("%d. %s", i+1, m.Entry.Text)
		}
		msgs = append(msgs, core.PromptMessage{
			Role:    models.RoleSystem,
			Content: "Relevant Medical Knowledge:\n" + strings.Join(lines, "\n\n"),
		})
	}

	for _, h := range history {
		msgs = append(msgs, core.PromptMessage{Role: h.Role, Content: h.Content})
	}

	msgs = append(msgs, core.PromptMessage{Role: models.RoleUser, Content: tc.Question})
	return msgs, nil
}

// history returns the last HistoryMessages messages, oldest first. Storage hands
// them back newest first.
func (a *ContextAssembler) history(ctx context.Context, tc TurnContext) ([]models.ChatMessage, error) {
	if a.cfg.HistoryMessages <= 0 {
		return nil, nil
	}
	recent, err := a.db.ListRecentMessages(ctx, tc.SessionID, a.cfg.HistoryMessages+1)
	if err != nil {
		return nil, err
	}

	out := make([]models.ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].ID == tc.CurrentMessageID {
			continue
		}
		out = append(out, recent[i])
	}
	if len(out) > a.cfg.HistoryMessages {
		out = out[len(out)-a.cfg.HistoryMessages:]
	}
	return out, nil
}
