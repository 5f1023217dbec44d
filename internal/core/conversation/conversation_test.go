package conversation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	db "github.com/markdave123-py/Medico/internal/core/database"
	"github.com/markdave123-py/Medico/internal/core/llm"
	"github.com/markdave123-py/Medico/internal/core/vectorindex"
	"github.com/markdave123-py/Medico/internal/models"
)

type sliceStream struct {
	frags []string
	err   error
	i     int
}

func (s *sliceStream) Recv() (string, error) {
	if s.i < len(s.frags) {
		s.i++
		return s.frags[s.i-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error { return nil }

type fakeEngine struct {
	mu        sync.Mutex
	frags     []string
	streamErr error
	openErr   error
	prompts   [][]core.PromptMessage
	opts      core.CompletionOptions
}

func (f *fakeEngine) Complete(context.Context, []core.PromptMessage, core.CompletionOptions) (string, error) {
	return strings.Join(f.frags, ""), nil
}

func (f *fakeEngine) CompleteStream(_ context.Context, msgs []core.PromptMessage, opts core.CompletionOptions) (core.CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, msgs)
	f.opts = opts
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &sliceStream{frags: f.frags, err: f.streamErr}, nil
}

type failingIndex struct{}

func (failingIndex) Upsert(context.Context, ...core.KnowledgeEntry) error { return nil }
func (failingIndex) Query(context.Context, string, core.QueryScope, int) ([]core.KnowledgeMatch, error) {
	return nil, core.NewExternalError("vector index", errors.New("connection refused"))
}
func (failingIndex) DeleteWhere(context.Context, core.KnowledgeFilter) error { return nil }

type fixture struct {
	db       *db.MemoryClient
	index    *vectorindex.KnowledgeIndex
	engine   *fakeEngine
	pipeline *Pipeline
	userID   int64
	otherID  int64
}

func tick() func() time.Time {
	t := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		db:     db.NewMemoryClient().WithClock(tick()),
		engine: &fakeEngine{frags: []string{"Your blood ", "pressure is ", "normal."}},
	}
	f.index = vectorindex.NewKnowledgeIndex(vectorindex.NewMemoryStore(), llm.NewHashEmbedder(llm.DefaultEmbedDim), zap.NewNop())

	u, err := f.db.UpsertUserBySubject(ctx, models.Identity{Subject: "auth|42", Email: "u42@example.com"})
	require.NoError(t, err)
	f.userID = u.ID
	o, err := f.db.UpsertUserBySubject(ctx, models.Identity{Subject: "auth|43", Email: "u43@example.com"})
	require.NoError(t, err)
	f.otherID = o.ID

	assembler := NewContextAssembler(f.db, f.index, AssemblerConfig{ReportLimit: 5, TopK: 3, HistoryMessages: 10}, zap.NewNop())
	f.pipeline = NewPipeline(f.db, assembler, f.engine, PipelineConfig{
		Completion:    core.CompletionOptions{Temperature: 0.7, MaxTokens: 2048},
		TitleMaxChars: 50,
	}, zap.NewNop())
	return f
}

func (f *fixture) addReport(t *testing.T, summary string) {
	t.Helper()
	r := &models.MedicalReport{UserID: f.userID, FileName: "r.pdf", FileType: "pdf", StorageKey: "k", Status: models.StatusPending}
	require.NoError(t, f.db.CreateReport(context.Background(), r))
	r.AISummary = &summary
	require.NoError(t, r.Transition(models.StatusCompleted))
	require.NoError(t, f.db.UpdateReport(context.Background(), r))
	require.NoError(t, f.index.Upsert(context.Background(), core.ReportEntry(f.userID, r.ID, summary)))
}

func (f *fixture) addMessages(t *testing.T, sessionID int64, contents ...string) []models.ChatMessage {
	t.Helper()
	var out []models.ChatMessage
	for i, c := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		m := &models.ChatMessage{SessionID: sessionID, Role: role, Content: c}
		require.NoError(t, f.db.CreateMessage(context.Background(), m))
		out = append(out, *m)
	}
	return out
}

func collect(events *[]TurnEvent) Sink {
	return func(ev TurnEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestAssembleOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addReport(t, "Blood pressure 150/95, elevated.")
	require.NoError(t, f.index.Upsert(ctx, core.KnowledgeEntry{
		ID: "kb_bp_0", Kind: core.KindGeneralKnowledge, Text: "High blood pressure raises the risk of stroke.",
	}))

	s, err := f.db.CreateSession(ctx, f.userID)
	require.NoError(t, err)
	f.addMessages(t, s.ID, "first question", "first answer")
	current := f.addMessages(t, s.ID, "what does my blood pressure mean")[0]

	msgs, err := f.pipeline.assembler.Assemble(ctx, TurnContext{
		UserID: f.userID, SessionID: s.ID, Question: current.Content,
		IncludeReports: true, CurrentMessageID: current.ID,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "MedicoChatbot")
	assert.Equal(t, models.RoleSystem, msgs[1].Role)
	assert.Regexp(t, `^User's Medical Reports:\nReport from \d{4}-\d{2}-\d{2}: Blood pressure 150/95, elevated\.$`, msgs[1].Content)
	assert.Equal(t, models.RoleSystem, msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Relevant Medical Knowledge:\n1. "))
	assert.Contains(t, msgs[2].Content, "2. ")
	assert.Equal(t, core.PromptMessage{Role: models.RoleUser, Content: "first question"}, msgs[3])
	assert.Equal(t, core.PromptMessage{Role: models.RoleAssistant, Content: "first answer"}, msgs[4])
	assert.Equal(t, core.PromptMessage{Role: models.RoleUser, Content: "what does my blood pressure mean"}, msgs[5])
}

func TestAssembleHistoryWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := NewContextAssembler(f.db, f.index, AssemblerConfig{ReportLimit: 5, TopK: 3, HistoryMessages: 2}, zap.NewNop())

	s, err := f.db.CreateSession(ctx, f.userID)
	require.NoError(t, err)
	f.addMessages(t, s.ID, "q1", "a1", "q2", "a2")
	current := f.addMessages(t, s.ID, "q3")[0]

	msgs, err := a.Assemble(ctx, TurnContext{UserID: f.userID, SessionID: s.ID, Question: "q3", CurrentMessageID: current.ID})
	require.NoError(t, err)

	var contents []string
	for _, m := range msgs[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q2", "a2", "q3"}, contents)
}

func TestAssembleScopesReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addReport(t, "Glucose 180, high.")
	require.NoError(t, f.index.Upsert(ctx, core.ReportEntry(f.otherID, 99, "Glucose 95, other patient.")))

	s, err := f.db.CreateSession(ctx, f.userID)
	require.NoError(t, err)

	tests := []struct {
		name           string
		includeReports bool
		wantReports    bool
	}{
		{"with reports", true, true},
		{"without reports", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := f.pipeline.assembler.Assemble(ctx, TurnContext{
				UserID: f.userID, SessionID: s.ID, Question: "glucose", IncludeReports: tt.includeReports,
			})
			require.NoError(t, err)

			joined := ""
			for _, m := range msgs {
				joined += m.Content + "\n"
			}
			assert.Equal(t, tt.wantReports, strings.Contains(joined, "User's Medical Reports:"))
			assert.Equal(t, tt.wantReports, strings.Contains(joined, "Glucose 180, high."))
			assert.NotContains(t, joined, "other patient")
		})
	}
}

func TestAssembleSurvivesIndexFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := NewContextAssembler(f.db, failingIndex{}, AssemblerConfig{ReportLimit: 5, TopK: 3, HistoryMessages: 10}, zap.NewNop())
	s, err := f.db.CreateSession(ctx, f.userID)
	require.NoError(t, err)

	msgs, err := a.Assemble(ctx, TurnContext{UserID: f.userID, SessionID: s.ID, Question: "hello", IncludeReports: true})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestRunCreatesSessionAndPersistsTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var events []TurnEvent
	err := f.pipeline.Run(ctx, TurnRequest{UserID: f.userID, Message: "What does my blood pressure mean?", IncludeReports: true}, collect(&events))
	require.NoError(t, err)

	require.Len(t, events, 4)
	var streamed strings.Builder
	for _, ev := range events[:3] {
		assert.False(t, ev.Done)
		streamed.WriteString(ev.Content)
	}
	final := events[3]
	assert.True(t, final.Done)
	assert.False(t, final.Error)
	require.NotNil(t, final.SessionID)
	require.NotNil(t, final.MessageID)

	msgs, err := f.db.ListMessages(ctx, *final.SessionID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, *final.MessageID, msgs[1].ID)
	assert.Equal(t, streamed.String(), msgs[1].Content)

	s, err := f.db.GetSession(ctx, f.userID, *final.SessionID)
	require.NoError(t, err)
	require.NotNil(t, s.Title)
	assert.Equal(t, "What does my blood pressure mean?", *s.Title)

	assert.Equal(t, 0.7, f.engine.opts.Temperature)
	prompt := f.engine.prompts[0]
	assert.Equal(t, "What does my blood pressure mean?", prompt[len(prompt)-1].Content)
	for _, m := range prompt[:len(prompt)-1] {
		assert.NotEqual(t, "What does my blood pressure mean?", m.Content)
	}
}

func TestRunRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.db.CreateSession(ctx, f.otherID)
	require.NoError(t, err)

	var events []TurnEvent
	err = f.pipeline.Run(ctx, TurnRequest{UserID: f.userID, Message: "hi", SessionID: &s.ID}, collect(&events))
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.Empty(t, events)

	msgs, err := f.db.ListMessages(ctx, s.ID, 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Run(context.Background(), TurnRequest{UserID: f.userID, Message: "   "}, collect(new([]TurnEvent)))
	assert.True(t, core.IsValidation(err))
}

func TestRunFailureAfterUserMessage(t *testing.T) {
	tests := []struct {
		name   string
		engine *fakeEngine
		frags  int
	}{
		{"stream fails midway", &fakeEngine{frags: []string{"partial "}, streamErr: core.NewExternalError("completion", errors.New("rate limited"))}, 1},
		{"stream cannot open", &fakeEngine{openErr: core.NewExternalError("completion", errors.New("503"))}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.pipeline.engine = tt.engine

			var events []TurnEvent
			err := f.pipeline.Run(ctx, TurnRequest{UserID: f.userID, Message: "hello"}, collect(&events))
			require.NoError(t, err)

			require.Len(t, events, tt.frags+1)
			last := events[len(events)-1]
			assert.True(t, last.Done)
			assert.True(t, last.Error)
			assert.True(t, strings.HasPrefix(last.Content, "Error: "))
			assert.Nil(t, last.MessageID)
			require.NotNil(t, last.SessionID)

			msgs, err := f.db.ListMessages(ctx, *last.SessionID, 50)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, models.RoleUser, msgs[0].Role)
		})
	}
}

func TestRunCancelledDiscardsPartialReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	var events []TurnEvent
	err := f.pipeline.Run(ctx, TurnRequest{UserID: f.userID, Message: "hello"}, func(ev TurnEvent) error {
		events = append(events, ev)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	for _, ev := range events {
		assert.False(t, ev.Done)
	}
	sessions, err := f.db.ListSessions(context.Background(), f.userID, 0, 100)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	msgs, err := f.db.ListMessages(context.Background(), sessions[0].ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestRunSinkFailureAbandonsTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gone := errors.New("client went away")

	err := f.pipeline.Run(ctx, TurnRequest{UserID: f.userID, Message: "hello"}, func(TurnEvent) error { return gone })
	require.ErrorIs(t, err, gone)

	sessions, err := f.db.ListSessions(ctx, f.userID, 0, 100)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	msgs, err := f.db.ListMessages(ctx, sessions[0].ID, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCollectReusesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.pipeline.Collect(ctx, TurnRequest{UserID: f.userID, Message: "first"})
	require.NoError(t, err)
	assert.Equal(t, "Your blood pressure is normal.", first.Message.Content)

	f.engine.frags = []string{"second ", "reply"}
	second, err := f.pipeline.Collect(ctx, TurnRequest{UserID: f.userID, Message: "second", SessionID: &first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "second reply", second.Message.Content)

	s, err := f.db.GetSession(ctx, f.userID, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "first", *s.Title)

	prompt := f.engine.prompts[1]
	assert.Equal(t, "first", prompt[len(prompt)-3].Content)
	assert.Equal(t, "Your blood pressure is normal.", prompt[len(prompt)-2].Content)
}

func TestCollectSurfacesFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.openErr = core.NewExternalError("completion", errors.New("503"))

	_, err := f.pipeline.Collect(context.Background(), TurnRequest{UserID: f.userID, Message: "hello"})
	var ext *core.ExternalServiceError
	assert.ErrorAs(t, err, &ext)
}

func TestTitle(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 50, "short"},
		{strings.Repeat("a", 50), 50, strings.Repeat("a", 50)},
		{strings.Repeat("a", 51), 50, strings.Repeat("a", 50) + "..."},
		{"héllo wörld", 5, "héllo..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Title(tt.in, tt.max))
	}
}
