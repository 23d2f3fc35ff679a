package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/middleware"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/response"
	"github.com/khatwa/khatwa-backend/internal/service"
	"github.com/khatwa/khatwa-backend/internal/validator"
	"github.com/rs/zerolog"
)

// PersonalStorage is the storage service as seen by StorageHandler.
type PersonalStorage interface {
	Overview(ctx context.Context, userID int) (*model.StorageOverview, error)
	CreatePersonalCopy(ctx context.Context, userID int, sourceFileID uuid.UUID, folderID *uuid.UUID) (*model.CopyResult, error)
	Upload(ctx context.Context, userID int, in service.UploadInput) (*model.CopyResult, error)
	DeleteFile(ctx context.Context, userID int, fileID uuid.UUID) (*model.StorageOverview, error)
	ListFolders(ctx context.Context, userID int) ([]model.Folder, error)
	CreateFolder(ctx context.Context, userID int, name string) (*model.Folder, error)
}

// StorageHandler handles the personal storage endpoints.
type StorageHandler struct {
	storage        PersonalStorage
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewStorageHandler creates a new StorageHandler.
func NewStorageHandler(storage PersonalStorage, maxUploadBytes int64, log zerolog.Logger) *StorageHandler {
	return &StorageHandler{
		storage:        storage,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "storage_handler").Logger(),
	}
}

func (h *StorageHandler) fail(c *gin.Context, err error) {
	status, code := storageFailure(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Storage request failed")
	}
	response.Fail(c, status, code)
}

// GetOverview godoc
// GET /api/v1/storage
// Returns the quota and the owned files.
func (h *StorageHandler) GetOverview(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	overview, err := h.storage.Overview(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, overview)
}

// CreateCopy godoc
// POST /api/v1/storage/copies
// Copies a course file into personal storage after checking the quota.
func (h *StorageHandler) CreateCopy(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	var req model.CreateCopyRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.storage.CreatePersonalCopy(c.Request.Context(), claims.UserID, req.SourceFileID, req.FolderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, result)
}

// Upload godoc
// POST /api/v1/storage/files
// Multipart upload into personal storage. Form fields: file, folder_id.
func (h *StorageHandler) Upload(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	if fh.Size > h.maxUploadBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		return
	}

	var folderID *uuid.UUID
	if raw := c.PostForm("folder_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
				"folder_id": "folder_id must be a valid UUID",
			})
			return
		}
		folderID = &id
	}

	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.storage.Upload(c.Request.Context(), claims.UserID, service.UploadInput{
		Name:        fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
		FolderID:    folderID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, result)
}

// DeleteFile godoc
// DELETE /api/v1/storage/files/:id
func (h *StorageHandler) DeleteFile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	overview, err := h.storage.DeleteFile(c.Request.Context(), claims.UserID, fileID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, overview)
}

// ListFolders godoc
// GET /api/v1/storage/folders?page=&per_page=
func (h *StorageHandler) ListFolders(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	folders, err := h.storage.ListFolders(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	page := queryInt(c, "page", 1, 1, math.MaxInt32)
	perPage := queryInt(c, "per_page", 50, 1, 200)

	start := min((page-1)*perPage, len(folders))
	end := min(start+perPage, len(folders))

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"folders": folders[start:end]}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: len(folders),
		TotalPages: (len(folders) + perPage - 1) / perPage,
	})
}

// queryInt reads an integer query parameter, falling back to def when it is
// missing or malformed and clamping it to [lo, hi].
func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return max(lo, min(n, hi))
}

// CreateFolder godoc
// POST /api/v1/storage/folders
func (h *StorageHandler) CreateFolder(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	var req model.CreateFolderRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	folder, err := h.storage.CreateFolder(c.Request.Context(), claims.UserID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"folder": folder})
}
