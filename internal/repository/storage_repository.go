package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/quota"
)

// StorageRepository handles personal files, folders and storage accounts.
// Usage is always the SUM of the owner's file rows, pending ones included.
type StorageRepository struct {
	pool *pgxpool.Pool
}

// NewStorageRepository creates a new StorageRepository.
func NewStorageRepository(pool *pgxpool.Pool) *StorageRepository {
	return &StorageRepository{pool: pool}
}

const personalFileColumns = `id, owner_id, name, size_bytes, content_type, folder_id, source_file_id, object_key, status, created_at`

func scanPersonalFile(row pgx.Row, f *model.PersonalFile) error {
	return row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.ContentType, &f.FolderID, &f.SourceFileID, &f.ObjectKey, &f.Status, &f.CreatedAt)
}

// Quota returns the owner's ceiling (defaultTotal when no account row exists)
// and current usage.
func (r *StorageRepository) Quota(ctx context.Context, ownerID int, defaultTotal int64) (quota.Quota, error) {
	q := quota.Quota{Total: defaultTotal}
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT quota_bytes FROM storage_accounts WHERE user_id = $1), $2),
		        COALESCE((SELECT SUM(size_bytes) FROM personal_files WHERE owner_id = $1), 0)`,
		ownerID, defaultTotal,
	).Scan(&q.Total, &q.Used)
	return q, err
}

// ListFiles returns the owner's ready files, newest first.
func (r *StorageRepository) ListFiles(ctx context.Context, ownerID int) ([]model.PersonalFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+personalFileColumns+`
		 FROM personal_files
		 WHERE owner_id = $1 AND status = $2
		 ORDER BY created_at DESC`, ownerID, model.FileStatusReady,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.PersonalFile
	for rows.Next() {
		var f model.PersonalFile
		if err := scanPersonalFile(rows, &f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile retrieves one file owned by ownerID.
func (r *StorageRepository) GetFile(ctx context.Context, ownerID int, fileID uuid.UUID) (*model.PersonalFile, error) {
	f := &model.PersonalFile{}
	err := scanPersonalFile(r.pool.QueryRow(ctx,
		`SELECT `+personalFileColumns+`
		 FROM personal_files WHERE id = $1 AND owner_id = $2`, fileID, ownerID,
	), f)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetCourseFile retrieves a shared course file.
func (r *StorageRepository) GetCourseFile(ctx context.Context, id uuid.UUID) (*model.CourseFile, error) {
	f := &model.CourseFile{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, course_id, name, size_bytes, content_type, object_key
		 FROM course_files WHERE id = $1`, id,
	).Scan(&f.ID, &f.CourseID, &f.Name, &f.Size, &f.ContentType, &f.ObjectKey)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Reserve admits f against the owner's quota and inserts it as PENDING.
// The storage account row is locked for the duration of the check so that
// concurrent reservations by the same owner are serialized.
func (r *StorageRepository) Reserve(ctx context.Context, f *model.PersonalFile, defaultTotal int64, policy quota.Policy) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO storage_accounts (user_id, quota_bytes)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		f.OwnerID, defaultTotal,
	); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	var q quota.Quota
	if err := tx.QueryRow(ctx,
		`SELECT quota_bytes FROM storage_accounts WHERE user_id = $1 FOR UPDATE`, f.OwnerID,
	).Scan(&q.Total); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM personal_files WHERE owner_id = $1`, f.OwnerID,
	).Scan(&q.Used); err != nil {
		return fmt.Errorf("sum usage: %w", err)
	}

	if err := policy.Admit(q, f.Size, true); err != nil {
		return err
	}

	f.Status = model.FileStatusPending
	if err := tx.QueryRow(ctx,
		`INSERT INTO personal_files (owner_id, name, size_bytes, content_type, folder_id, source_file_id, object_key, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		f.OwnerID, f.Name, f.Size, f.ContentType, f.FolderID, f.SourceFileID, f.ObjectKey, f.Status,
	).Scan(&f.ID, &f.CreatedAt); err != nil {
		return fmt.Errorf("insert pending file: %w", err)
	}

	return tx.Commit(ctx)
}

// Commit marks a pending file as READY.
func (r *StorageRepository) Commit(ctx context.Context, fileID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE personal_files SET status = $1 WHERE id = $2 AND status = $3`,
		model.FileStatusReady, fileID, model.FileStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Release drops a pending reservation, returning its bytes to the owner.
// pgx.ErrNoRows means the row is no longer pending.
func (r *StorageRepository) Release(ctx context.Context, fileID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM personal_files WHERE id = $1 AND status = $2`,
		fileID, model.FileStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReleaseStale deletes reservations still pending since before the cutoff
// and returns them.
func (r *StorageRepository) ReleaseStale(ctx context.Context, before time.Time) ([]model.PersonalFile, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM personal_files
		 WHERE status = $1 AND created_at < $2
		 RETURNING `+personalFileColumns,
		model.FileStatusPending, before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.PersonalFile
	for rows.Next() {
		var f model.PersonalFile
		if err := scanPersonalFile(rows, &f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file owned by ownerID.
func (r *StorageRepository) DeleteFile(ctx context.Context, ownerID int, fileID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM personal_files WHERE id = $1 AND owner_id = $2`, fileID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetFolder retrieves a folder owned by ownerID.
func (r *StorageRepository) GetFolder(ctx context.Context, ownerID int, folderID uuid.UUID) (*model.Folder, error) {
	f := &model.Folder{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, created_at
		 FROM folders WHERE id = $1 AND owner_id = $2`, folderID, ownerID,
	).Scan(&f.ID, &f.OwnerID, &f.Name, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFolders returns the owner's folders by name.
func (r *StorageRepository) ListFolders(ctx context.Context, ownerID int) ([]model.Folder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_id, name, created_at
		 FROM folders WHERE owner_id = $1
		 ORDER BY name`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// CreateFolder inserts a new folder.
func (r *StorageRepository) CreateFolder(ctx context.Context, f *model.Folder) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO folders (owner_id, name) VALUES ($1, $2)
		 RETURNING id, created_at`,
		f.OwnerID, f.Name,
	).Scan(&f.ID, &f.CreatedAt)
}
