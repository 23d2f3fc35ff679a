package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/monitoring"
	"github.com/khatwa/khatwa-backend/internal/objectstore"
	"github.com/khatwa/khatwa-backend/internal/quota"
	"github.com/rs/zerolog"
)

// Storage errors.
var (
	ErrInsufficientQuota = quota.ErrInsufficientQuota
	ErrSourceNotFound    = errors.New("source file not found")
	ErrTransferFailed    = errors.New("file transfer failed")
	ErrFolderNotFound    = errors.New("folder not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrCopyInProgress    = errors.New("copy already in progress")
)

// FileStore persists personal files, folders and storage accounts.
type FileStore interface {
	Quota(ctx context.Context, ownerID int, defaultTotal int64) (quota.Quota, error)
	ListFiles(ctx context.Context, ownerID int) ([]model.PersonalFile, error)
	GetFile(ctx context.Context, ownerID int, fileID uuid.UUID) (*model.PersonalFile, error)
	GetCourseFile(ctx context.Context, id uuid.UUID) (*model.CourseFile, error)
	Reserve(ctx context.Context, f *model.PersonalFile, defaultTotal int64, policy quota.Policy) error
	Commit(ctx context.Context, fileID uuid.UUID) error
	Release(ctx context.Context, fileID uuid.UUID) error
	ReleaseStale(ctx context.Context, before time.Time) ([]model.PersonalFile, error)
	DeleteFile(ctx context.Context, ownerID int, fileID uuid.UUID) error
	GetFolder(ctx context.Context, ownerID int, folderID uuid.UUID) (*model.Folder, error)
	ListFolders(ctx context.Context, ownerID int) ([]model.Folder, error)
	CreateFolder(ctx context.Context, f *model.Folder) error
}

// ObjectStore moves file bytes.
type ObjectStore interface {
	CopyFromCourse(ctx context.Context, srcKey, dstKey string) (int64, error)
	PutPersonal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	RemovePersonal(ctx context.Context, key string) error
}

// Locker is a short-lived mutual exclusion keyed by string. Release only
// succeeds for the token Acquire handed out.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// StorageOptions tunes the storage service.
type StorageOptions struct {
	QuotaBytes   int64
	MinFreeBytes int64
	LockTTL      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	// PendingTTL is how long a reservation may stay PENDING before it is
	// presumed abandoned.
	PendingTTL time.Duration
}

// StorageService manages personal storage: quota, copies, uploads, folders.
type StorageService struct {
	files   FileStore
	objects ObjectStore
	locks   Locker
	opts    StorageOptions
	policy  quota.Policy
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     zerolog.Logger
}

// NewStorageService creates a new StorageService.
func NewStorageService(files FileStore, objects ObjectStore, locks Locker, opts StorageOptions, log zerolog.Logger) *StorageService {
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = quota.StudentQuotaBytes
	}
	if opts.MinFreeBytes <= 0 {
		opts.MinFreeBytes = quota.MinCopyFreeBytes
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Minute
	}
	return &StorageService{
		files:   files,
		objects: objects,
		locks:   locks,
		opts:    opts,
		policy:  quota.Policy{MinFreeBytes: opts.MinFreeBytes},
		sleep:   sleepCtx,
		now:     time.Now,
		log:     log.With().Str("component", "storage_service").Logger(),
	}
}

// Overview returns the user's quota, derived from the stored files, and the
// file list.
func (s *StorageService) Overview(ctx context.Context, userID int) (*model.StorageOverview, error) {
	q, err := s.files.Quota(ctx, userID, s.opts.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	files, err := s.files.ListFiles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if files == nil {
		files = []model.PersonalFile{}
	}
	return &model.StorageOverview{Quota: q.Summarize(), Files: files}, nil
}

// CreatePersonalCopy copies a course file into the user's personal storage.
// The quota is checked before any bytes move; a rejected or failed copy
// leaves usage unchanged.
func (s *StorageService) CreatePersonalCopy(ctx context.Context, userID int, sourceFileID uuid.UUID, folderID *uuid.UUID) (*model.CopyResult, error) {
	src, err := s.files.GetCourseFile(ctx, sourceFileID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			monitoring.CopyOutcomes.WithLabelValues("copy", "source_not_found").Inc()
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source file: %w", err)
	}

	q, err := s.files.Quota(ctx, userID, s.opts.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	if err := s.policy.Admit(q, src.Size, true); err != nil {
		monitoring.CopyOutcomes.WithLabelValues("copy", "insufficient_quota").Inc()
		return nil, err
	}

	if err := s.checkFolder(ctx, userID, folderID); err != nil {
		return nil, err
	}

	lockKey := config.CacheKey.PersonalCopyLockKey(userID, sourceFileID.String())
	token, ok, err := s.locks.Acquire(ctx, lockKey, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire copy lock: %w", err)
	}
	if !ok {
		monitoring.CopyOutcomes.WithLabelValues("copy", "in_progress").Inc()
		return nil, ErrCopyInProgress
	}

	// The transfer and its bookkeeping finish even if the caller goes away.
	work := context.WithoutCancel(ctx)
	defer func() {
		if err := s.locks.Release(work, lockKey, token); err != nil {
			s.log.Warn().Err(err).Str("key", lockKey).Msg("Failed to release copy lock")
		}
	}()

	f := &model.PersonalFile{
		OwnerID:      userID,
		Name:         src.Name,
		Size:         src.Size,
		ContentType:  src.ContentType,
		FolderID:     folderID,
		SourceFileID: &src.ID,
		ObjectKey:    personalObjectKey(userID, src.Name),
	}

	if err := s.files.Reserve(work, f, s.opts.QuotaBytes, s.policy); err != nil {
		if errors.Is(err, quota.ErrInsufficientQuota) {
			monitoring.CopyOutcomes.WithLabelValues("copy", "insufficient_quota").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}

	var copied int64
	err = s.retry(work, func(ctx context.Context) error {
		var err error
		copied, err = s.objects.CopyFromCourse(ctx, src.ObjectKey, f.ObjectKey)
		return err
	})
	if err != nil {
		s.release(work, f)
		if errors.Is(err, objectstore.ErrNotFound) {
			monitoring.CopyOutcomes.WithLabelValues("copy", "source_not_found").Inc()
			return nil, ErrSourceNotFound
		}
		monitoring.CopyOutcomes.WithLabelValues("copy", "transfer_failed").Inc()
		s.log.Error().Err(err).
			Int("user_id", userID).
			Str("source_file_id", src.ID.String()).
			Msg("Personal copy transfer failed")
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Usage is charged from the catalogue size, so it must match what landed.
	if copied != f.Size {
		s.discard(work, f)
		monitoring.CopyOutcomes.WithLabelValues("copy", "size_mismatch").Inc()
		s.log.Error().
			Int("user_id", userID).
			Str("source_file_id", src.ID.String()).
			Int64("expected", f.Size).
			Int64("copied", copied).
			Msg("Copied object size does not match the course file")
		return nil, fmt.Errorf("%w: copied %d of %d bytes", ErrTransferFailed, copied, f.Size)
	}

	result, err := s.commit(work, f)
	if err != nil {
		return nil, err
	}
	monitoring.CopyOutcomes.WithLabelValues("copy", "ok").Inc()

	s.log.Info().
		Int("user_id", userID).
		Str("file_id", f.ID.String()).
		Int64("size", f.Size).
		Msg("Personal copy created")
	return result, nil
}

// UploadInput describes a file uploaded by the user.
type UploadInput struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
	FolderID    *uuid.UUID
}

// Upload stores a user file with the same reserve and commit steps as a copy.
func (s *StorageService) Upload(ctx context.Context, userID int, in UploadInput) (*model.CopyResult, error) {
	if err := s.checkFolder(ctx, userID, in.FolderID); err != nil {
		return nil, err
	}

	f := &model.PersonalFile{
		OwnerID:     userID,
		Name:        in.Name,
		Size:        in.Size,
		ContentType: in.ContentType,
		FolderID:    in.FolderID,
		ObjectKey:   personalObjectKey(userID, in.Name),
	}

	if err := s.files.Reserve(ctx, f, s.opts.QuotaBytes, s.policy); err != nil {
		if errors.Is(err, quota.ErrInsufficientQuota) {
			monitoring.CopyOutcomes.WithLabelValues("upload", "insufficient_quota").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}

	// The body is a stream and cannot be replayed, so there is no retry here.
	if err := s.objects.PutPersonal(ctx, f.ObjectKey, in.Body, in.Size, in.ContentType); err != nil {
		s.release(context.WithoutCancel(ctx), f)
		monitoring.CopyOutcomes.WithLabelValues("upload", "transfer_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	result, err := s.commit(context.WithoutCancel(ctx), f)
	if err != nil {
		return nil, err
	}
	monitoring.CopyOutcomes.WithLabelValues("upload", "ok").Inc()
	return result, nil
}

// DeleteFile removes a personal file and its object.
func (s *StorageService) DeleteFile(ctx context.Context, userID int, fileID uuid.UUID) (*model.StorageOverview, error) {
	f, err := s.files.GetFile(ctx, userID, fileID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("get file: %w", err)
	}

	if err := s.objects.RemovePersonal(ctx, f.ObjectKey); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("remove object: %w", err)
	}
	if err := s.files.DeleteFile(ctx, userID, fileID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("delete file: %w", err)
	}

	return s.Overview(ctx, userID)
}

// ListFolders returns the user's folders.
func (s *StorageService) ListFolders(ctx context.Context, userID int) ([]model.Folder, error) {
	folders, err := s.files.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}
	if folders == nil {
		folders = []model.Folder{}
	}
	return folders, nil
}

// CreateFolder creates a folder for the user.
func (s *StorageService) CreateFolder(ctx context.Context, userID int, name string) (*model.Folder, error) {
	f := &model.Folder{OwnerID: userID, Name: strings.TrimSpace(name)}
	if err := s.files.CreateFolder(ctx, f); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	return f, nil
}

func (s *StorageService) checkFolder(ctx context.Context, userID int, folderID *uuid.UUID) error {
	if folderID == nil {
		return nil
	}
	if _, err := s.files.GetFolder(ctx, userID, *folderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFolderNotFound
		}
		return fmt.Errorf("get folder: %w", err)
	}
	return nil
}

// commit turns the reservation into a ready file. If that fails the bytes
// are given back and the object removed.
func (s *StorageService) commit(ctx context.Context, f *model.PersonalFile) (*model.CopyResult, error) {
	if err := s.files.Commit(ctx, f.ID); err != nil {
		s.discard(ctx, f)
		return nil, fmt.Errorf("commit file: %w", err)
	}
	f.Status = model.FileStatusReady

	overview, err := s.Overview(ctx, f.OwnerID)
	if err != nil {
		return nil, err
	}
	return &model.CopyResult{File: *f, Overview: *overview}, nil
}

func (s *StorageService) release(ctx context.Context, f *model.PersonalFile) bool {
	if err := s.files.Release(ctx, f.ID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.log.Error().Err(err).Str("file_id", f.ID.String()).Msg("Failed to release reservation")
		}
		return false
	}
	return true
}

// discard drops a reservation whose object was already written. The object
// is only removed once the row is gone; a row that is no longer pending was
// committed or reaped and owns its object.
func (s *StorageService) discard(ctx context.Context, f *model.PersonalFile) {
	if !s.release(ctx, f) {
		return
	}
	if err := s.objects.RemovePersonal(ctx, f.ObjectKey); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		s.log.Error().Err(err).Str("object_key", f.ObjectKey).Msg("Failed to remove discarded object")
	}
}

// ReapStaleReservations drops reservations left PENDING longer than
// PendingTTL, for example by a crash between reserve and commit, and removes
// any object they wrote.
func (s *StorageService) ReapStaleReservations(ctx context.Context) (int, error) {
	stale, err := s.files.ReleaseStale(ctx, s.now().Add(-s.opts.PendingTTL))
	if err != nil {
		return 0, fmt.Errorf("release stale reservations: %w", err)
	}
	for _, f := range stale {
		if err := s.objects.RemovePersonal(ctx, f.ObjectKey); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			s.log.Warn().Err(err).Str("object_key", f.ObjectKey).Msg("Failed to remove abandoned object")
		}
		s.log.Warn().
			Int("user_id", f.OwnerID).
			Str("file_id", f.ID.String()).
			Int64("size", f.Size).
			Msg("Released abandoned reservation")
	}
	return len(stale), nil
}

// retry runs op up to MaxAttempts times with exponential backoff. A missing
// object is not retried.
func (s *StorageService) retry(ctx context.Context, op func(context.Context) error) error {
	var err error
	delay := s.opts.RetryBase
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil || errors.Is(err, objectstore.ErrNotFound) {
			return err
		}
		if attempt == s.opts.MaxAttempts {
			break
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Transfer failed, retrying")
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

func personalObjectKey(userID int, name string) string {
	return fmt.Sprintf("users/%d/%s/%s", userID, uuid.NewString(), path.Base(name))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
