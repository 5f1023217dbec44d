package ingestion_engine

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	db "github.com/markdave123-py/Medico/internal/core/database"
	"github.com/markdave123-py/Medico/internal/core/llm"
	objectclient "github.com/markdave123-py/Medico/internal/core/object-client"
	"github.com/markdave123-py/Medico/internal/core/vectorindex"
	"github.com/markdave123-py/Medico/internal/models"
)

type fakeExtractor struct {
	res core.ExtractionResult
	err error
}

func (f *fakeExtractor) Extract(context.Context, []byte, string) (core.ExtractionResult, error) {
	return f.res, f.err
}

type fakeEngine struct {
	reply string
	err   error
	calls int
	opts  core.CompletionOptions
}

func (f *fakeEngine) Complete(_ context.Context, _ []core.PromptMessage, opts core.CompletionOptions) (string, error) {
	f.calls++
	f.opts = opts
	return f.reply, f.err
}

func (f *fakeEngine) CompleteStream(context.Context, []core.PromptMessage, core.CompletionOptions) (core.CompletionStream, error) {
	return nil, errors.New("streaming not used by ingestion")
}

type harness struct {
	pipeline  *IngestionPipeline
	db        *db.MemoryClient
	obj       *objectclient.MemoryClient
	store     *vectorindex.MemoryStore
	extractor *fakeExtractor
	engine    *fakeEngine
	userID    int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:        db.NewMemoryClient(),
		obj:       objectclient.NewMemoryClient(),
		store:     vectorindex.NewMemoryStore(),
		extractor: &fakeExtractor{},
		engine:    &fakeEngine{},
	}
	u, err := h.db.UpsertUserBySubject(context.Background(), models.Identity{Subject: "auth|alice", Email: "alice@example.com"})
	require.NoError(t, err)
	h.userID = u.ID

	index := vectorindex.NewKnowledgeIndex(h.store, llm.NewHashEmbedder(llm.DefaultEmbedDim), zap.NewNop())
	cfg := &IngestConfig{
		Bucket:            "reports",
		AllowedExtensions: []string{"pdf", "jpg", "jpeg", "png"},
		MaxUploadSize:     1024,
	}
	h.pipeline = NewIngestionPipeline(h.db, h.obj, h.extractor, NewReportAnalyzer(h.engine, 0.3, 2048), index, cfg, zap.NewNop())
	return h
}

const goodAnalysis = "```json\n" + `{
  "summary": "Blood pressure is a little high.",
  "key_findings": ["BP 140/90"],
  "abnormal_values": [{"name": "BP", "value": "140/90"}],
  "recommendations": ["Reduce salt"],
  "risk_assessment": "moderate"
}` + "\n```"

func TestIngestCompletesReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.res = core.ExtractedOk("BP: 140/90\nPulse: 72\nGlucose 110\nHb: 13.5")
	h.engine.reply = goodAnalysis

	r, err := h.pipeline.Ingest(ctx, h.userID, "checkup.PDF", []byte("%PDF-1.4"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "pdf", r.FileType)
	assert.Equal(t, models.Metrics{"blood_pressure": "140/90", "pulse": "72", "glucose": "110", "hemoglobin": "13.5"}, r.ParsedMetrics)
	require.NotNil(t, r.AISummary)
	assert.Equal(t, "Blood pressure is a little high.", *r.AISummary)
	assert.Equal(t, models.RiskModerate, r.AIInsights.RiskAssessment)
	assert.Equal(t, models.StringList{"name: BP, value: 140/90"}, r.AIInsights.AbnormalValues)
	assert.Equal(t, 0.3, h.engine.opts.Temperature)

	stored, err := h.db.GetReport(ctx, h.userID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, h.obj.Len())
	raw, err := h.obj.GetFile(ctx, "reports", stored.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), raw)

	e, ok := h.store.Get(core.ReportEntryID(h.userID, r.ID))
	require.True(t, ok)
	assert.Equal(t, "Blood pressure is a little high.", e.Text)
}

func TestIngestRejectsInvalidUploads(t *testing.T) {
	tests := []struct {
		name string
		file string
		size int
	}{
		{"extension not allowed", "notes.exe", 10},
		{"missing extension", "scan", 10},
		{"too large", "scan.png", 2048},
		{"empty", "scan.png", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			_, err := h.pipeline.Ingest(ctx, h.userID, tt.file, make([]byte, tt.size))
			require.Error(t, err)
			assert.True(t, core.IsValidation(err))

			n, err := h.db.CountReports(ctx, h.userID)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Zero(t, h.obj.Len())
		})
	}
}

func TestIngestEmptyExtractionSkipsAnalysis(t *testing.T) {
	h := newHarness(t)
	h.extractor.res = core.ExtractionDegraded("ocr failed: not built with ocr")

	r, err := h.pipeline.Ingest(context.Background(), h.userID, "photo.jpg", []byte{0xff, 0xd8})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Nil(t, r.AISummary)
	assert.Empty(t, r.ParsedMetrics)
	assert.Zero(t, h.engine.calls)
	assert.Zero(t, h.store.Len())
}

func TestIngestNonJSONAnalysisFallsBack(t *testing.T) {
	h := newHarness(t)
	h.extractor.res = core.ExtractedOk("Cholesterol: 240")
	h.engine.reply = "Your cholesterol is high, talk to your doctor."

	r, err := h.pipeline.Ingest(context.Background(), h.userID, "labs.pdf", []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, r.Status)
	require.NotNil(t, r.AISummary)
	assert.Equal(t, "Your cholesterol is high, talk to your doctor.", *r.AISummary)
	assert.Equal(t, models.RiskUnknown, r.AIInsights.RiskAssessment)
	assert.Empty(t, r.AIInsights.KeyFindings)
	assert.Equal(t, models.Metrics{"cholesterol": "240"}, r.ParsedMetrics)
}

func TestIngestStageFailureMarksReportFailed(t *testing.T) {
	tests := []struct {
		name      string
		extractor fakeExtractor
		engineErr error
	}{
		{"completion engine down", fakeExtractor{res: core.ExtractedOk("Pulse: 80")}, core.NewExternalError("completion", errors.New("503"))},
		{"pdf unreadable", fakeExtractor{err: core.NewExternalError("pdf extraction", errors.New("bad xref"))}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			*h.extractor = tt.extractor
			h.engine.err = tt.engineErr

			r, err := h.pipeline.Ingest(ctx, h.userID, "a.pdf", []byte("x"))
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, r.Status)
			assert.Nil(t, r.AISummary)

			stored, err := h.db.GetReport(ctx, h.userID, r.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, stored.Status)
			assert.Zero(t, h.store.Len())
		})
	}
}

func TestIngestIndexFailureKeepsReportCompleted(t *testing.T) {
	h := newHarness(t)
	h.extractor.res = core.ExtractedOk("BP 120/80")
	h.engine.reply = `{"summary": "All normal.", "risk_assessment": "low"}`
	h.store.FailUpserts = true

	r, err := h.pipeline.Ingest(context.Background(), h.userID, "a.png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, models.RiskLow, r.AIInsights.RiskAssessment)
	assert.Empty(t, r.AIInsights.Recommendations)
}

func TestIngestUnknownUserLeavesNoObject(t *testing.T) {
	h := newHarness(t)
	h.extractor.res = core.ExtractedOk("x")

	_, err := h.pipeline.Ingest(context.Background(), h.userID+100, "a.pdf", []byte("x"))
	require.Error(t, err)
	var perr *core.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.Zero(t, h.obj.Len())
}

func TestStorageKey(t *testing.T) {
	h := newHarness(t)
	h.pipeline.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }

	key := h.pipeline.storageKey(7, "../My Lab <Results>!.pdf", "pdf")
	assert.Regexp(t, regexp.MustCompile(`^reports/7/[0-9a-f-]{36}/My_Lab_Results_20240309_140507\.pdf$`), key)
}
