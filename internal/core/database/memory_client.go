package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

// MemoryClient is an in-process DbClient with the same cascade and ownership rules as
// the Postgres schema. It backs DB_DRIVER=memory and the tests.
type MemoryClient struct {
	mu       sync.RWMutex
	seq      int64
	now      func() time.Time
	users    map[int64]*models.User
	sessions map[int64]*models.ChatSession
	messages map[int64]*models.ChatMessage
	reports  map[int64]*models.MedicalReport
}

var _ core.DbClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		now:      time.Now,
		users:    map[int64]*models.User{},
		sessions: map[int64]*models.ChatSession{},
		messages: map[int64]*models.ChatMessage{},
		reports:  map[int64]*models.MedicalReport{},
	}
}

// WithClock replaces the time source; tests use it to get distinct timestamps.
func (m *MemoryClient) WithClock(now func() time.Time) *MemoryClient {
	m.now = now
	return m
}

func (m *MemoryClient) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryClient) Ping(context.Context) error { return nil }
func (m *MemoryClient) Close() error               { return nil }

func (m *MemoryClient) UpsertUserBySubject(_ context.Context, id models.Identity) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, u := range m.users {
		if u.Subject == id.Subject {
			u.Email, u.EmailVerified, u.UpdatedAt = id.Email, id.EmailVerified, now
			if !u.NameSetLocally {
				u.DisplayName = id.DisplayName
			}
			cp := *u
			return &cp, nil
		}
	}
	u := &models.User{
		ID: m.nextID(), Subject: id.Subject, Email: id.Email, DisplayName: id.DisplayName,
		EmailVerified: id.EmailVerified, CreatedAt: now, UpdatedAt: now,
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryClient) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.NewNotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryClient) UpdateDisplayName(_ context.Context, userID int64, name string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, core.NewNotFound("user", userID)
	}
	u.DisplayName, u.NameSetLocally, u.UpdatedAt = name, true, m.now()
	cp := *u
	return &cp, nil
}

func (m *MemoryClient) CountUserData(_ context.Context, userID int64) (models.UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.UserStats
	for _, r := range m.reports {
		if r.UserID == userID {
			s.Reports++
		}
	}
	for _, ss := range m.sessions {
		if ss.UserID == userID {
			s.Sessions++
		}
	}
	return s, nil
}

func (m *MemoryClient) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return core.NewNotFound("user", id)
	}
	delete(m.users, id)
	for sid, s := range m.sessions {
		if s.UserID == id {
			m.deleteSessionLocked(sid)
		}
	}
	for rid, r := range m.reports {
		if r.UserID == id {
			delete(m.reports, rid)
		}
	}
	return nil
}

func (m *MemoryClient) CreateSession(_ context.Context, userID int64) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, core.NewPersistenceError("create session", fmt.Errorf("user %d does not exist", userID))
	}
	now := m.now()
	s := &models.ChatSession{ID: m.nextID(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemoryClient) GetSession(_ context.Context, userID, sessionID int64) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, core.NewNotFound("session", sessionID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryClient) ListSessions(_ context.Context, userID int64, offset, limit int) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ChatSession{}
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		cp := *s
		for _, msg := range m.messages {
			if msg.SessionID == s.ID {
				cp.MessageCount++
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return window(out, offset, limit), nil
}

func (m *MemoryClient) SetSessionTitle(_ context.Context, sessionID int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return core.NewNotFound("session", sessionID)
	}
	t := title
	s.Title = &t
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) TouchSession(_ context.Context, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return core.NewNotFound("session", sessionID)
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) DeleteSession(_ context.Context, userID, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return core.NewNotFound("session", sessionID)
	}
	m.deleteSessionLocked(sessionID)
	return nil
}

func (m *MemoryClient) deleteSessionLocked(sessionID int64) {
	delete(m.sessions, sessionID)
	for id, msg := range m.messages {
		if msg.SessionID == sessionID {
			delete(m.messages, id)
		}
	}
}

func (m *MemoryClient) CreateMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return core.NewPersistenceError("create message", fmt.Errorf("session %d does not exist", msg.SessionID))
	}
	msg.ID = m.nextID()
	msg.CreatedAt = m.now()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryClient) GetMessage(_ context.Context, id int64) (*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, core.NewNotFound("message", id)
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryClient) sessionMessages(sessionID int64) []models.ChatMessage {
	out := []models.ChatMessage{}
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryClient) ListRecentMessages(_ context.Context, sessionID int64, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sessionMessages(sessionID)
	out := make([]models.ChatMessage, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *MemoryClient) ListMessages(_ context.Context, sessionID int64, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sessionMessages(sessionID)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryClient) CountMessages(_ context.Context, sessionID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessionMessages(sessionID)), nil
}

func (m *MemoryClient) CreateReport(_ context.Context, r *models.MedicalReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[r.UserID]; !ok {
		return core.NewPersistenceError("create report", fmt.Errorf("user %d does not exist", r.UserID))
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	r.ID = m.nextID()
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	m.reports[r.ID] = cloneReport(r)
	return nil
}

func (m *MemoryClient) UpdateReport(_ context.Context, r *models.MedicalReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reports[r.ID]
	if !ok || cur.Status != models.StatusPending {
		return core.NewPersistenceError("update report", fmt.Errorf("report %d is not pending", r.ID))
	}
	r.UpdatedAt = m.now()
	next := cloneReport(r)
	next.CreatedAt = cur.CreatedAt
	m.reports[r.ID] = next
	return nil
}

func (m *MemoryClient) GetReport(_ context.Context, userID, reportID int64) (*models.MedicalReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[reportID]
	if !ok || r.UserID != userID {
		return nil, core.NewNotFound("report", reportID)
	}
	return cloneReport(r), nil
}

func (m *MemoryClient) userReports(userID int64) []*models.MedicalReport {
	var out []*models.MedicalReport
	for _, r := range m.reports {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryClient) ListReports(_ context.Context, userID int64, offset, limit int) ([]models.MedicalReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.userReports(userID)
	out := []models.MedicalReport{}
	for i := offset; i < len(all) && len(out) < limit; i++ {
		out = append(out, *cloneReport(all[i]))
	}
	return out, nil
}

func (m *MemoryClient) CountReports(_ context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userReports(userID)), nil
}

func (m *MemoryClient) RecentSummaries(_ context.Context, userID int64, limit int) ([]models.ReportSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ReportSummary{}
	for _, r := range m.userReports(userID) {
		if len(out) == limit {
			break
		}
		if r.AISummary == nil || *r.AISummary == "" {
			continue
		}
		out = append(out, models.ReportSummary{ReportID: r.ID, Summary: *r.AISummary, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (m *MemoryClient) ListStorageKeys(_ context.Context, userID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for _, r := range m.userReports(userID) {
		keys = append(keys, r.StorageKey)
	}
	return keys, nil
}

func (m *MemoryClient) DeleteReport(_ context.Context, userID, reportID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	if !ok || r.UserID != userID {
		return core.NewNotFound("report", reportID)
	}
	delete(m.reports, reportID)
	return nil
}

func cloneReport(r *models.MedicalReport) *models.MedicalReport {
	cp := *r
	if r.ParsedMetrics != nil {
		cp.ParsedMetrics = make(models.Metrics, len(r.ParsedMetrics))
		for k, v := range r.ParsedMetrics {
			cp.ParsedMetrics[k] = v
		}
	}
	if r.AIInsights != nil {
		in := *r.AIInsights
		cp.AIInsights = &in
	}
	return &cp
}

// window applies OFFSET and LIMIT to an already sorted slice.
func window[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return all[:0]
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
