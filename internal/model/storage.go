package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/quota"
)

// FileStatus tracks the reservation protocol for personal files.
type FileStatus string

const (
	// FileStatusPending rows count against usage while the object transfer runs.
	FileStatusPending FileStatus = "PENDING"
	FileStatusReady   FileStatus = "READY"
)

// PersonalFile is a file exclusively owned by one user.
type PersonalFile struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      int        `json:"owner_id"`
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"content_type"`
	FolderID     *uuid.UUID `json:"folder_id,omitempty"`
	SourceFileID *uuid.UUID `json:"source_file_id,omitempty"`
	ObjectKey    string     `json:"-"`
	Status       FileStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CourseFile is a shared file attached to a course; the source of personal copies.
type CourseFile struct {
	ID          uuid.UUID `json:"id"`
	CourseID    uuid.UUID `json:"course_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ObjectKey   string    `json:"-"`
}

// Folder groups personal files by reference only.
type Folder struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   int       `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageOverview is the quota plus the owned file list.
type StorageOverview struct {
	Quota quota.Summary  `json:"quota"`
	Files []PersonalFile `json:"files"`
}

// CreateCopyRequest is the payload for creating a personal copy.
type CreateCopyRequest struct {
	SourceFileID uuid.UUID  `json:"source_file_id" binding:"required"`
	FolderID     *uuid.UUID `json:"folder_id" binding:"omitempty"`
}

// CreateFolderRequest is the payload for creating a folder.
type CreateFolderRequest struct {
	Name string `json:"name" binding:"required,max=255,foldername"`
}

// CopyResult is returned by a successful copy or upload.
type CopyResult struct {
	File     PersonalFile    `json:"file"`
	Overview StorageOverview `json:"storage"`
}
