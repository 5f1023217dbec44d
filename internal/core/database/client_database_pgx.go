package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/config"
	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

var _ core.DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// SQL exposes the pool so the pgvector index can share it.
func (c *DatabaseClient) SQL() *sql.DB { return c.db }

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) UpsertUserBySubject(ctx context.Context, id models.Identity) (*models.User, error) {
	const q = `
		INSERT INTO users (subject, email, display_name, email_verified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject) DO UPDATE
		SET email = EXCLUDED.email,
		    display_name = CASE WHEN users.name_set_locally THEN users.display_name ELSE EXCLUDED.display_name END,
		    email_verified = EXCLUDED.email_verified,
		    updated_at = now()
		RETURNING ` + userCols + `
	`
	u, err := scanUser(c.db.QueryRowContext(ctx, q, id.Subject, id.Email, id.DisplayName, id.EmailVerified))
	if err != nil {
		return nil, core.NewPersistenceError("upsert user", err)
	}
	return u, nil
}

const userCols = `id, subject, email, display_name, email_verified, name_set_locally, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.DisplayName, &u.EmailVerified, &u.NameSetLocally, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *DatabaseClient) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(c.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("user", id)
	}
	if err != nil {
		return nil, core.NewPersistenceError("get user", err)
	}
	return u, nil
}

func (c *DatabaseClient) UpdateDisplayName(ctx context.Context, userID int64, name string) (*models.User, error) {
	q := `
		UPDATE users SET display_name = $2, name_set_locally = TRUE, updated_at = now()
		WHERE id = $1
		RETURNING ` + userCols
	u, err := scanUser(c.db.QueryRowContext(ctx, q, userID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("user", userID)
	}
	if err != nil {
		return nil, core.NewPersistenceError("update display name", err)
	}
	return u, nil
}

func (c *DatabaseClient) CountUserData(ctx context.Context, userID int64) (models.UserStats, error) {
	const q = `
		SELECT
			(SELECT count(*) FROM medical_reports WHERE user_id = $1),
			(SELECT count(*) FROM chat_sessions WHERE user_id = $1)
	`
	var s models.UserStats
	if err := c.db.QueryRowContext(ctx, q, userID).Scan(&s.Reports, &s.Sessions); err != nil {
		return s, core.NewPersistenceError("count user data", err)
	}
	return s, nil
}

// DeleteUser relies on ON DELETE CASCADE for sessions, messages and reports.
func (c *DatabaseClient) DeleteUser(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return core.NewPersistenceError("delete user", err)
	}
	return expectOne(res, "user", id)
}

// Sessions

const sessionCols = `id, user_id, title, created_at, updated_at`

func (c *DatabaseClient) CreateSession(ctx context.Context, userID int64) (*models.ChatSession, error) {
	q := `INSERT INTO chat_sessions (user_id) VALUES ($1) RETURNING ` + sessionCols
	s, err := scanSession(c.db.QueryRowContext(ctx, q, userID))
	if err != nil {
		return nil, core.NewPersistenceError("create session", err)
	}
	return s, nil
}

func (c *DatabaseClient) GetSession(ctx context.Context, userID, sessionID int64) (*models.ChatSession, error) {
	q := `SELECT ` + sessionCols + ` FROM chat_sessions WHERE id = $1 AND user_id = $2`
	s, err := scanSession(c.db.QueryRowContext(ctx, q, sessionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("session", sessionID)
	}
	if err != nil {
		return nil, core.NewPersistenceError("get session", err)
	}
	return s, nil
}

func (c *DatabaseClient) ListSessions(ctx context.Context, userID int64, offset, limit int) ([]models.ChatSession, error) {
	const q = `
		SELECT s.id, s.user_id, s.title, s.created_at, s.updated_at, count(m.id)
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.id
		WHERE s.user_id = $1
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := c.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, core.NewPersistenceError("list sessions", err)
	}
	defer rows.Close()

	out := []models.ChatSession{}
	for rows.Next() {
		var (
			s     models.ChatSession
			title sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.UserID, &title, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount); err != nil {
			return nil, core.NewPersistenceError("list sessions", err)
		}
		s.Title = nullableString(title)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("list sessions", err)
	}
	return out, nil
}

func (c *DatabaseClient) SetSessionTitle(ctx context.Context, sessionID int64, title string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = now() WHERE id = $1`, sessionID, title)
	if err != nil {
		return core.NewPersistenceError("set session title", err)
	}
	return expectOne(res, "session", sessionID)
}

func (c *DatabaseClient) TouchSession(ctx context.Context, sessionID int64) error {
	res, err := c.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return core.NewPersistenceError("touch session", err)
	}
	return expectOne(res, "session", sessionID)
}

func (c *DatabaseClient) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return core.NewPersistenceError("delete session", err)
	}
	return expectOne(res, "session", sessionID)
}

// Messages

func (c *DatabaseClient) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	const q = `
		INSERT INTO chat_messages (session_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	if err := c.db.QueryRowContext(ctx, q, msg.SessionID, string(msg.Role), msg.Content).
		Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return core.NewPersistenceError("create message", err)
	}
	return nil
}

func (c *DatabaseClient) GetMessage(ctx context.Context, id int64) (*models.ChatMessage, error) {
	const q = `SELECT id, session_id, role, content, created_at FROM chat_messages WHERE id = $1`
	var m models.ChatMessage
	err := c.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("message", id)
	}
	if err != nil {
		return nil, core.NewPersistenceError("get message", err)
	}
	return &m, nil
}

func (c *DatabaseClient) ListRecentMessages(ctx context.Context, sessionID int64, limit int) ([]models.ChatMessage, error) {
	const q = `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return c.queryMessages(ctx, "list recent messages", q, sessionID, limit)
}

func (c *DatabaseClient) ListMessages(ctx context.Context, sessionID int64, limit int) ([]models.ChatMessage, error) {
	const q = `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	return c.queryMessages(ctx, "list messages", q, sessionID, limit)
}

func (c *DatabaseClient) CountMessages(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM chat_messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, core.NewPersistenceError("count messages", err)
	}
	return n, nil
}

func (c *DatabaseClient) queryMessages(ctx context.Context, op, q string, args ...any) ([]models.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.NewPersistenceError(op, err)
	}
	defer rows.Close()

	out := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, core.NewPersistenceError(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError(op, err)
	}
	return out, nil
}

// Reports

const reportCols = `id, user_id, filename, file_type, file_size, storage_key, storage_url,
	extracted_text, parsed_metrics, ai_summary, ai_insights, processing_status, created_at, updated_at`

func (c *DatabaseClient) CreateReport(ctx context.Context, r *models.MedicalReport) error {
	if r == nil {
		return errors.New("nil report")
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	const q = `
		INSERT INTO medical_reports
			(user_id, filename, file_type, file_size, storage_key, storage_url, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	err := c.db.QueryRowContext(ctx, q,
		r.UserID, r.FileName, r.FileType, r.FileSize, r.StorageKey, r.StorageURL, string(r.Status),
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return core.NewPersistenceError("create report", err)
	}
	return nil
}

// UpdateReport writes the derived fields. Only a pending row can be updated, which
// keeps the status forward only even with concurrent writers.
func (c *DatabaseClient) UpdateReport(ctx context.Context, r *models.MedicalReport) error {
	metrics, err := jsonOrNull(r.ParsedMetrics, len(r.ParsedMetrics) == 0)
	if err != nil {
		return core.NewPersistenceError("update report", err)
	}
	insights, err := jsonOrNull(r.AIInsights, r.AIInsights == nil)
	if err != nil {
		return core.NewPersistenceError("update report", err)
	}
	const q = `
		UPDATE medical_reports
		SET extracted_text = $2,
		    parsed_metrics = $3::jsonb,
		    ai_summary = $4,
		    ai_insights = $5::jsonb,
		    processing_status = $6,
		    updated_at = now()
		WHERE id = $1 AND processing_status = 'pending'
		RETURNING updated_at
	`
	err = c.db.QueryRowContext(ctx, q,
		r.ID, r.ExtractedText, metrics, r.AISummary, insights, string(r.Status),
	).Scan(&r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewPersistenceError("update report", fmt.Errorf("report %d is not pending", r.ID))
	}
	if err != nil {
		return core.NewPersistenceError("update report", err)
	}
	return nil
}

func (c *DatabaseClient) GetReport(ctx context.Context, userID, reportID int64) (*models.MedicalReport, error) {
	q := `SELECT ` + reportCols + ` FROM medical_reports WHERE id = $1 AND user_id = $2`
	r, err := scanReport(c.db.QueryRowContext(ctx, q, reportID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("report", reportID)
	}
	if err != nil {
		return nil, core.NewPersistenceError("get report", err)
	}
	return r, nil
}

func (c *DatabaseClient) ListReports(ctx context.Context, userID int64, offset, limit int) ([]models.MedicalReport, error) {
	q := `SELECT ` + reportCols + `
		FROM medical_reports
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3`
	rows, err := c.db.QueryContext(ctx, q, userID, offset, limit)
	if err != nil {
		return nil, core.NewPersistenceError("list reports", err)
	}
	defer rows.Close()

	out := []models.MedicalReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, core.NewPersistenceError("list reports", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("list reports", err)
	}
	return out, nil
}

func (c *DatabaseClient) CountReports(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM medical_reports WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, core.NewPersistenceError("count reports", err)
	}
	return n, nil
}

func (c *DatabaseClient) RecentSummaries(ctx context.Context, userID int64, limit int) ([]models.ReportSummary, error) {
	const q = `
		SELECT id, ai_summary, created_at
		FROM medical_reports
		WHERE user_id = $1 AND ai_summary IS NOT NULL AND ai_summary <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := c.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, core.NewPersistenceError("recent summaries", err)
	}
	defer rows.Close()

	out := []models.ReportSummary{}
	for rows.Next() {
		var s models.ReportSummary
		if err := rows.Scan(&s.ReportID, &s.Summary, &s.CreatedAt); err != nil {
			return nil, core.NewPersistenceError("recent summaries", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("recent summaries", err)
	}
	return out, nil
}

func (c *DatabaseClient) ListStorageKeys(ctx context.Context, userID int64) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT storage_key FROM medical_reports WHERE user_id = $1`, userID)
	if err != nil {
		return nil, core.NewPersistenceError("list storage keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, core.NewPersistenceError("list storage keys", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *DatabaseClient) DeleteReport(ctx context.Context, userID, reportID int64) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM medical_reports WHERE id = $1 AND user_id = $2`, reportID, userID)
	if err != nil {
		return core.NewPersistenceError("delete report", err)
	}
	return expectOne(res, "report", reportID)
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var (
		s     models.ChatSession
		title sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Title = nullableString(title)
	return &s, nil
}

func scanReport(row rowScanner) (*models.MedicalReport, error) {
	var (
		r                 models.MedicalReport
		text, summary     sql.NullString
		metrics, insights []byte
		status            string
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.FileName, &r.FileType, &r.FileSize, &r.StorageKey, &r.StorageURL,
		&text, &metrics, &summary, &insights, &status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ExtractedText = nullableString(text)
	r.AISummary = nullableString(summary)
	r.Status = models.ReportStatus(status)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &r.ParsedMetrics); err != nil {
			return nil, fmt.Errorf("decode parsed_metrics: %w", err)
		}
	}
	if len(insights) > 0 {
		r.AIInsights = &models.Insights{}
		if err := json.Unmarshal(insights, r.AIInsights); err != nil {
			return nil, fmt.Errorf("decode ai_insights: %w", err)
		}
	}
	return &r, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func jsonOrNull(v any, null bool) (sql.NullString, error) {
	if null {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func expectOne(res sql.Result, resource string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewPersistenceError("rows affected", err)
	}
	if n == 0 {
		return core.NewNotFound(resource, id)
	}
	return nil
}
