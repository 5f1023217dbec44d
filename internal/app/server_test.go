package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/config"
	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/core/conversation"
	db "github.com/markdave123-py/Medico/internal/core/database"
	"github.com/markdave123-py/Medico/internal/core/llm"
	objectclient "github.com/markdave123-py/Medico/internal/core/object-client"
	"github.com/markdave123-py/Medico/internal/core/vectorindex"
	"github.com/markdave123-py/Medico/internal/models"
)

const secret = "test-secret"

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, data []byte, _ string) (core.ExtractionResult, error) {
	return core.ExtractedOk(string(data)), nil
}

type stubStream struct{ frags []string }

func (s *stubStream) Recv() (string, error) {
	if len(s.frags) == 0 {
		return "", io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *stubStream) Close() error { return nil }

type stubEngine struct{}

func (stubEngine) Complete(context.Context, []core.PromptMessage, core.CompletionOptions) (string, error) {
	return `{"summary": "Blood pressure slightly high.", "key_findings": ["BP 135/88"], "risk_assessment": "moderate"}`, nil
}

func (stubEngine) CompleteStream(context.Context, []core.PromptMessage, core.CompletionOptions) (core.CompletionStream, error) {
	return &stubStream{frags: []string{"It is ", "a bit ", "high."}}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:            secret,
		RequireVerifiedEmail: true,
		AllowedOrigins:       []string{"http://localhost:3000"},
		BucketName:           "medico-test",
		MaxUploadSize:        64 << 10,
		AllowedExtensions:    []string{"pdf", "jpg", "jpeg", "png"},
		Temperature:          0.7,
		AnalysisTemperature:  0.3,
		MaxTokens:            2048,
		ReportContextLimit:   5,
		RetrievalTopK:        3,
		HistoryMessages:      10,
		TitleMaxChars:        50,
	}
	comps := &Components{
		DB:        db.NewMemoryClient(),
		Objects:   objectclient.NewMemoryClient(),
		Index:     vectorindex.NewKnowledgeIndex(vectorindex.NewMemoryStore(), llm.NewHashEmbedder(llm.DefaultEmbedDim), zap.NewNop()),
		Engine:    stubEngine{},
		Extractor: stubExtractor{},
	}
	return NewRouter(cfg, NewServices(cfg, comps, zap.NewNop()), zap.NewNop())
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            subject,
		"email":          subject + "@example.com",
		"name":           "Test " + subject,
		"email_verified": true,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, subject string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, h http.Handler, method, path, subject string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return do(t, h, method, path, subject, body, "application/json")
}

func upload(t *testing.T, h http.Handler, subject, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return do(t, h, http.MethodPost, "/api/v1/reports/upload", subject, &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sseEvents(t *testing.T, body string) []conversation.TurnEvent {
	t.Helper()
	var out []conversation.TurnEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev conversation.TurnEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/api/v1/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/health/ping", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ping":"pong"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/health/detailed", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthentication(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("other"))
			return s
		}()},
		{"no subject", "Bearer " + func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "x@example.com"}).SignedString([]byte(secret))
			return s
		}()},
		{"unverified email", "Bearer " + func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "eve", "email": "eve@example.com", "email_verified": false}).SignedString([]byte(secret))
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestReportLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rec := upload(t, h, "alice", "report.pdf", "BP: 135/88\nPulse: 76")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	report := decode[models.MedicalReport](t, rec)
	assert.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, "pdf", report.FileType)
	assert.Equal(t, "135/88", report.ParsedMetrics["blood_pressure"])
	assert.NotContains(t, rec.Body.String(), "storage_key")

	rec = upload(t, h, "alice", "virus.exe", "MZ")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reports?page=1&page_size=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, page["total"])

	path := fmt.Sprintf("/api/v1/reports/%d", report.ID)
	rec = doJSON(t, h, http.MethodGet, path+"/analysis", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	analysis := decode[map[string]any](t, rec)
	assert.Equal(t, "Blood pressure slightly high.", analysis["summary"])

	rec = doJSON(t, h, http.MethodGet, path, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reports/abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatStreaming(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat", "alice", map[string]any{"message": "What does my blood pressure mean?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	var streamed strings.Builder
	for _, ev := range events[:3] {
		streamed.WriteString(ev.Content)
	}
	final := events[3]
	require.True(t, final.Done)
	require.NotNil(t, final.SessionID)
	require.NotNil(t, final.MessageID)

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/chat/history?session_id=%d", *final.SessionID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Messages []models.ChatMessage `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, streamed.String(), history.Messages[1].Content)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]models.ChatSession](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, "What does my blood pressure mean?", *sessions[0].Title)

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/chat/sessions/%d", *final.SessionID), "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatNonStreaming(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat", "alice", map[string]any{"message": "hello", "stream": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		SessionID int64              `json:"session_id"`
		Message   models.ChatMessage `json:"message"`
	}](t, rec)
	assert.Positive(t, res.SessionID)
	assert.Equal(t, "It is a bit high.", res.Message.Content)
	assert.Equal(t, models.RoleAssistant, res.Message.Role)
}

func TestChatRejectsBadTurns(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat", "alice", map[string]any{"message": "hi", "session_id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat", "alice", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountDeletion(t *testing.T) {
	h := newTestRouter(t)

	require.Equal(t, http.StatusCreated, upload(t, h, "alice", "a.pdf", "Glucose: 101").Code)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, me["total_reports"])
	assert.Equal(t, "alice@example.com", me["email"])

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, true, res["vectors_purged"])
	assert.EqualValues(t, 1, res["files_deleted"])

	// the identity is still valid, so the next request starts a fresh account
	rec = doJSON(t, h, http.MethodGet, "/api/v1/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me = decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, me["total_reports"])
}

func TestProfileAndSessionEndpoints(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPatch, "/api/v1/users/me", "alice", map[string]any{"display_name": "Alice Cooper"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Alice Cooper", decode[map[string]any](t, rec)["display_name"])

	// the token still carries the provider's name; the chosen one wins
	rec = doJSON(t, h, http.MethodGet, "/api/v1/auth/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]any](t, rec)
	assert.Equal(t, "Alice Cooper", me["display_name"])
	assert.NotContains(t, me, "total_reports")

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/users/me", "alice", map[string]any{"display_name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/logout", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		rec = doJSON(t, h, http.MethodPost, "/api/v1/chat", "alice", map[string]any{"message": fmt.Sprintf("question %d", i), "stream": false})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/sessions?limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ChatSession](t, rec), 2)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/sessions?limit=2&offset=2", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ChatSession](t, rec), 1)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/sessions?limit=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
