package handler

import (
	"errors"
	"net/http"

	"github.com/khatwa/khatwa-backend/internal/exam"
	"github.com/khatwa/khatwa-backend/internal/response"
	"github.com/khatwa/khatwa-backend/internal/service"
)

var errUnknownAction = errors.New("unknown action")

// examFailure maps exam session errors to an HTTP status and error code.
// Unknown errors map to 500.
func examFailure(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusNotFound, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNoQuestions), errors.Is(err, exam.ErrNoQuestions):
		return http.StatusConflict, response.ErrNoQuestions
	case errors.Is(err, service.ErrSessionNotStarted):
		return http.StatusConflict, response.ErrSessionNotStarted
	case errors.Is(err, exam.ErrSessionExpired):
		return http.StatusConflict, response.ErrSessionExpired
	case errors.Is(err, exam.ErrSessionSubmitted):
		return http.StatusConflict, response.ErrSessionSubmitted
	case errors.Is(err, exam.ErrUnknownQuestion), errors.Is(err, exam.ErrOptionOutOfRange):
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswer
	case errors.Is(err, errUnknownAction):
		return http.StatusBadRequest, response.ErrInvalidPayload
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// storageFailure maps storage errors to an HTTP status and error code.
func storageFailure(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrInsufficientQuota):
		return http.StatusConflict, response.ErrInsufficientQuota
	case errors.Is(err, service.ErrSourceNotFound):
		return http.StatusNotFound, response.ErrSourceNotFound
	case errors.Is(err, service.ErrTransferFailed):
		return http.StatusBadGateway, response.ErrTransferFailed
	case errors.Is(err, service.ErrFolderNotFound):
		return http.StatusNotFound, response.ErrFolderNotFound
	case errors.Is(err, service.ErrFileNotFound):
		return http.StatusNotFound, response.ErrFileNotFound
	case errors.Is(err, service.ErrCopyInProgress):
		return http.StatusConflict, response.ErrCopyInProgress
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
