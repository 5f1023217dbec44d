package core

import (
	"context"

	"github.com/markdave123-py/Medico/internal/models"
)

// DbClient defines all persistence operations the services need.
// Owner scoped getters return *NotFoundError when the row is missing or belongs to
// someone else.
type DbClient interface {
	UpsertUserBySubject(ctx context.Context, id models.Identity) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CountUserData(ctx context.Context, userID int64) (models.UserStats, error)
	// UpdateDisplayName stores a user chosen name that later upserts keep.
	UpdateDisplayName(ctx context.Context, userID int64, name string) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateSession(ctx context.Context, userID int64) (*models.ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID int64) (*models.ChatSession, error)
	// ListSessions returns at most limit sessions, most recently active first.
	ListSessions(ctx context.Context, userID int64, offset, limit int) ([]models.ChatSession, error)
	SetSessionTitle(ctx context.Context, sessionID int64, title string) error
	TouchSession(ctx context.Context, sessionID int64) error
	DeleteSession(ctx context.Context, userID, sessionID int64) error

	CreateMessage(ctx context.Context, msg *models.ChatMessage) error
	GetMessage(ctx context.Context, id int64) (*models.ChatMessage, error)
	// ListRecentMessages returns the newest messages first.
	ListRecentMessages(ctx context.Context, sessionID int64, limit int) ([]models.ChatMessage, error)
	// ListMessages returns messages in chronological order.
	ListMessages(ctx context.Context, sessionID int64, limit int) ([]models.ChatMessage, error)
	CountMessages(ctx context.Context, sessionID int64) (int, error)

	CreateReport(ctx context.Context, r *models.MedicalReport) error
	UpdateReport(ctx context.Context, r *models.MedicalReport) error
	GetReport(ctx context.Context, userID, reportID int64) (*models.MedicalReport, error)
	ListReports(ctx context.Context, userID int64, offset, limit int) ([]models.MedicalReport, error)
	CountReports(ctx context.Context, userID int64) (int, error)
	RecentSummaries(ctx context.Context, userID int64, limit int) ([]models.ReportSummary, error)
	ListStorageKeys(ctx context.Context, userID int64) ([]string, error)
	DeleteReport(ctx context.Context, userID, reportID int64) error

	Ping(ctx context.Context) error
	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
