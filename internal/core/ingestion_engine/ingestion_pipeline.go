package ingestion_engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

// IngestionPipeline turns an uploaded file into a persisted, analyzed report.
//
// db:        report persistence.
// obj:       object storage for the raw file.
// extractor: PDF text layer / image OCR.
// analyzer:  completion-engine analysis.
// index:     knowledge index receiving the summary.
type IngestionPipeline struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.TextExtractor
	analyzer  *ReportAnalyzer
	index     core.KnowledgeIndex
	cfg       *IngestConfig
	log       *zap.Logger
	now       func() time.Time
}

var _ Ingestor = (*IngestionPipeline)(nil)

func NewIngestionPipeline(
	db core.DbClient,
	obj core.ObjectClient,
	extractor core.TextExtractor,
	analyzer *ReportAnalyzer,
	index core.KnowledgeIndex,
	cfg *IngestConfig,
	log *zap.Logger,
) *IngestionPipeline {
	return &IngestionPipeline{
		db: db, obj: obj, extractor: extractor, analyzer: analyzer, index: index,
		cfg: cfg, log: log, now: time.Now,
	}
}

// Ingest validates and stores the file, then runs extraction, metric parsing and
// analysis inline. Once a report row exists it always ends completed or failed;
// stage failures are recorded on the report rather than returned.
func (p *IngestionPipeline) Ingest(ctx context.Context, ownerID int64, fileName string, data []byte) (*models.MedicalReport, error) {
	ext, err := p.validate(fileName, len(data))
	if err != nil {
		return nil, err
	}

	key := p.storageKey(ownerID, fileName, ext)
	url, err := p.obj.UploadFile(ctx, p.cfg.Bucket, key, data, contentTypeFor(ext))
	if err != nil {
		return nil, core.NewExternalError("object storage", err)
	}

	report := &models.MedicalReport{
		UserID:        ownerID,
		FileName:      filepath.Base(fileName),
		FileType:      ext,
		FileSize:      int64(len(data)),
		StorageKey:    key,
		StorageURL:    url,
		ParsedMetrics: models.Metrics{},
		Status:        models.StatusPending,
	}
	if err := p.db.CreateReport(ctx, report); err != nil {
		if derr := p.obj.DeleteFile(context.WithoutCancel(ctx), p.cfg.Bucket, key); derr != nil {
			p.log.Warn("orphaned upload", zap.String("key", key), zap.Error(derr))
		}
		return nil, core.NewPersistenceError("create report", err)
	}

	log := p.log.With(zap.Int64("report_id", report.ID), zap.Int64("user_id", ownerID))

	next := models.StatusCompleted
	if err := p.process(ctx, report, data); err != nil {
		log.Error("report processing failed", zap.Error(err))
		next = models.StatusFailed
	}
	if err := report.Transition(next); err != nil {
		return report, err
	}

	// The row must reach a terminal status even if the caller went away.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := p.db.UpdateReport(pctx, report); err != nil {
		return report, core.NewPersistenceError("update report", err)
	}

	if report.Status == models.StatusCompleted && report.AISummary != nil && *report.AISummary != "" {
		if err := p.index.Upsert(pctx, core.ReportEntry(ownerID, report.ID, *report.AISummary)); err != nil {
			log.Warn("report not indexed", zap.Error(err))
		}
	}

	log.Info("report ingested", zap.String("status", string(report.Status)), zap.Int("metrics", len(report.ParsedMetrics)))
	return report, nil
}

// process fills in the derived fields. An error means the report failed.
func (p *IngestionPipeline) process(ctx context.Context, r *models.MedicalReport, data []byte) error {
	res, err := p.extractor.Extract(ctx, data, r.FileType)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	if res.IsDegraded() {
		p.log.Warn("extraction degraded", zap.Int64("report_id", r.ID), zap.String("reason", res.Degraded))
	}

	text := res.Text
	r.ExtractedText = &text
	r.ParsedMetrics = ParseMetrics(text)

	if strings.TrimSpace(text) == "" {
		return nil
	}

	analysis, err := p.analyzer.Analyze(ctx, text)
	if err != nil {
		return fmt.Errorf("analyze report: %w", err)
	}
	if analysis.IsDegraded() {
		p.log.Warn("analysis output was not valid json", zap.Int64("report_id", r.ID), zap.String("reason", analysis.Degraded))
	}
	r.AIInsights = analysis.Insights
	if s := analysis.Insights.Summary; s != "" {
		r.AISummary = &s
	}
	return nil
}

func (p *IngestionPipeline) validate(fileName string, size int) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" || !slices.Contains(p.cfg.AllowedExtensions, ext) {
		return "", core.NewValidationError("file", "file type %q not allowed, allowed: %s", ext, strings.Join(p.cfg.AllowedExtensions, ", "))
	}
	if size == 0 {
		return "", core.NewValidationError("file", "file is empty")
	}
	if int64(size) > p.cfg.MaxUploadSize {
		return "", core.NewValidationError("file", "file size %d exceeds limit of %d bytes", size, p.cfg.MaxUploadSize)
	}
	return ext, nil
}

var unsafeNameChars = regexp.MustCompile(`[^\w\s.-]`)

// storageKey is reports/{owner}/{uuid}/{name}_{timestamp}.{ext}.
func (p *IngestionPipeline) storageKey(ownerID int64, fileName, ext string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	base = unsafeNameChars.ReplaceAllString(base, "")
	base = strings.Join(strings.Fields(base), "_")
	if base == "" {
		base = "report"
	}
	return fmt.Sprintf("reports/%d/%s/%s_%s.%s", ownerID, uuid.NewString(), base, p.now().UTC().Format("20060102_150405"), ext)
}
