package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/ot"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusGone, "SESSION_CLOSED", "Session closed", nil
	case errors.Is(err, collab.ErrUnknownParticipant):
		return http.StatusNotFound, "UNKNOWN_PARTICIPANT", "Participant is not part of this session", nil
	case errors.Is(err, collab.ErrConflictNotFound):
		return http.StatusNotFound, "CONFLICT_NOT_FOUND", "Conflict not found", nil
	case errors.Is(err, collab.ErrResolutionStale):
		return http.StatusConflict, "RESOLUTION_STALE", "The conflict region changed; review it again", nil
	case errors.Is(err, collab.ErrInvalidResolution):
		return http.StatusUnprocessableEntity, "INVALID_RESOLUTION", err.Error(), nil
	case errors.Is(err, collab.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, collab.ErrDocumentLeased):
		return http.StatusConflict, "DOCUMENT_LEASED", "Document is hosted by another node", nil
	case errors.Is(err, ot.ErrInvalidOperation):
		return http.StatusUnprocessableEntity, "INVALID_OPERATION", err.Error(), nil
	case errors.Is(err, ot.ErrStaleOperation):
		return http.StatusConflict, "STALE_OPERATION", "Operation no longer applies; resync and retry", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
