package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	ingest "github.com/markdave123-py/Medico/internal/core/ingestion_engine"
	"github.com/markdave123-py/Medico/internal/models"
)

const maxPageSize = 100

type ReportService struct {
	db       core.DbClient
	obj      core.ObjectClient
	index    core.KnowledgeIndex
	ingestor ingest.Ingestor
	bucket   string
	log      *zap.Logger
}

func NewReportService(db core.DbClient, obj core.ObjectClient, index core.KnowledgeIndex, ingestor ingest.Ingestor, bucket string, log *zap.Logger) *ReportService {
	return &ReportService{db: db, obj: obj, index: index, ingestor: ingestor, bucket: bucket, log: log}
}

func (s *ReportService) Upload(ctx context.Context, userID int64, fileName string, data []byte) (*models.MedicalReport, error) {
	return s.ingestor.Ingest(ctx, userID, fileName, data)
}

type ReportPage struct {
	Reports  []models.MedicalReport `json:"reports"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// List pages through the user's reports, newest first. Pages start at 1.
func (s *ReportService) List(ctx context.Context, userID int64, page, pageSize int) (*ReportPage, error) {
	if page < 1 {
		return nil, core.NewValidationError("page", "must be at least 1")
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return nil, core.NewValidationError("page_size", "must be between 1 and %d", maxPageSize)
	}
	total, err := s.db.CountReports(ctx, userID)
	if err != nil {
		return nil, err
	}
	reports, err := s.db.ListReports(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &ReportPage{Reports: reports, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *ReportService) Get(ctx context.Context, userID, reportID int64) (*models.MedicalReport, error) {
	return s.db.GetReport(ctx, userID, reportID)
}

type ReportAnalysis struct {
	ReportID int64            `json:"report_id"`
	Summary  *string          `json:"summary"`
	Insights *models.Insights `json:"insights"`
	Metrics  models.Metrics   `json:"metrics"`
}

// Analysis is only available once processing completed.
func (s *ReportService) Analysis(ctx context.Context, userID, reportID int64) (*ReportAnalysis, error) {
	r, err := s.db.GetReport(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusCompleted {
		return nil, core.NewValidationError("report", "processing is %s, analysis not available", r.Status)
	}
	return &ReportAnalysis{ReportID: r.ID, Summary: r.AISummary, Insights: r.AIInsights, Metrics: r.ParsedMetrics}, nil
}

// Delete removes the row, then its knowledge entry and stored file. The latter two
// are best effort.
func (s *ReportService) Delete(ctx context.Context, userID, reportID int64) error {
	r, err := s.db.GetReport(ctx, userID, reportID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteReport(ctx, userID, reportID); err != nil {
		return err
	}

	log := s.log.With(zap.Int64("report_id", reportID), zap.Int64("user_id", userID))
	filter := core.KnowledgeFilter{OwnerID: userID, Kind: core.KindUserReport, SourceID: reportID}
	if err := s.index.DeleteWhere(ctx, filter); err != nil {
		log.Warn("knowledge entry not removed", zap.Error(err))
	}
	if r.StorageKey != "" {
		if err := s.obj.DeleteFile(ctx, s.bucket, r.StorageKey); err != nil {
			log.Warn("stored file not removed", zap.String("key", r.StorageKey), zap.Error(err))
		}
	}
	return nil
}
