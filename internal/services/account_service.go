package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

type AccountService struct {
	db     core.DbClient
	obj    core.ObjectClient
	index  core.KnowledgeIndex
	bucket string
	log    *zap.Logger
}

func NewAccountService(db core.DbClient, obj core.ObjectClient, index core.KnowledgeIndex, bucket string, log *zap.Logger) *AccountService {
	return &AccountService{db: db, obj: obj, index: index, bucket: bucket, log: log}
}

// EnsureUser maps a verified identity onto a local user, creating it on first sight.
func (s *AccountService) EnsureUser(ctx context.Context, id models.Identity) (*models.User, error) {
	if id.Subject == "" {
		return nil, &core.AuthError{Reason: "identity has no subject"}
	}
	return s.db.UpsertUserBySubject(ctx, id)
}

const maxDisplayName = 100

// UpdateProfile stores a display name chosen by the user. A nil name leaves the
// profile unchanged. Once set, the identity provider's name no longer replaces it.
func (s *AccountService) UpdateProfile(ctx context.Context, userID int64, displayName *string) (*models.User, error) {
	if displayName == nil {
		return s.db.GetUserByID(ctx, userID)
	}
	name := strings.TrimSpace(*displayName)
	if name == "" {
		return nil, core.NewValidationError("display_name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		return nil, core.NewValidationError("display_name", "must be at most %d characters", maxDisplayName)
	}
	return s.db.UpdateDisplayName(ctx, userID, name)
}

type Profile struct {
	models.User
	models.UserStats
}

func (s *AccountService) Profile(ctx context.Context, userID int64) (*Profile, error) {
	u, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.db.CountUserData(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: *u, UserStats: stats}, nil
}

// DeletionResult describes what the account deletion managed to clean up.
type DeletionResult struct {
	UserID        int64    `json:"user_id"`
	FilesDeleted  int      `json:"files_deleted"`
	FilesFailed   int      `json:"files_failed"`
	VectorsPurged bool     `json:"vectors_purged"`
	Warnings      []string `json:"warnings,omitempty"`
}

// DeleteAccount runs in two phases. The first removes the user row, and the
// relational cascade takes sessions, messages and reports with it; its failure
// aborts. The second purges the user's report entries from the knowledge index
// and the stored files. Failures there are only reported, so index entries can
// outlive the user until PurgeUserVectors is called again.
func (s *AccountService) DeleteAccount(ctx context.Context, userID int64) (*DeletionResult, error) {
	keys, err := s.db.ListStorageKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.DeleteUser(ctx, userID); err != nil {
		return nil, err
	}

	res := &DeletionResult{UserID: userID}
	log := s.log.With(zap.Int64("user_id", userID))

	if err := s.PurgeUserVectors(ctx, userID); err != nil {
		log.Error("user deleted but knowledge entries remain", zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("knowledge index purge failed: %v", err))
	} else {
		res.VectorsPurged = true
	}

	var deleted, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, key := range keys {
		if key == "" {
			continue
		}
		g.Go(func() error {
			if err := s.obj.DeleteFile(gctx, s.bucket, key); err != nil {
				log.Warn("stored file not deleted", zap.String("key", key), zap.Error(err))
				atomic.AddInt64(&failed, 1)
				return nil
			}
			atomic.AddInt64(&deleted, 1)
			return nil
		})
	}
	_ = g.Wait()

	res.FilesDeleted, res.FilesFailed = int(deleted), int(failed)
	if failed > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d stored files could not be deleted", failed))
	}
	log.Info("account deleted", zap.Int("files", res.FilesDeleted), zap.Bool("vectors_purged", res.VectorsPurged))
	return res, nil
}

// PurgeUserVectors removes every user_report entry of the user from the knowledge index.
func (s *AccountService) PurgeUserVectors(ctx context.Context, userID int64) error {
	return s.index.DeleteWhere(ctx, core.KnowledgeFilter{OwnerID: userID, Kind: core.KindUserReport})
}
