package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/Medico/internal/models"
)

// Ingestor accepts an uploaded report and drives it to a terminal status.
type Ingestor interface {
	Ingest(ctx context.Context, ownerID int64, fileName string, data []byte) (*models.MedicalReport, error)
}
