package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/export"
	"tallyhall/api/internal/vote"
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
	if errors.Is(err, vote.ErrUnknownTopic) {
		return http.StatusNotFound, "NOT_FOUND", "Topic not found", nil
	}
	var voteErr *vote.Error
	if errors.As(err, &voteErr) {
		switch voteErr.Kind {
		case vote.KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", voteErr.Detail, nil
		case vote.KindReplay:
			return http.StatusConflict, "REPLAY", voteErr.Detail, nil
		case vote.KindSignature:
			return http.StatusUnauthorized, "INVALID_SIGNATURE", voteErr.Detail, nil
		case vote.KindAnchoring:
			return http.StatusBadGateway, "ANCHORING_FAILED", voteErr.Detail, nil
		case vote.KindStepOrdering:
			return http.StatusServiceUnavailable, "STEP_ORDERING_HALTED", voteErr.Detail, nil
		}
	}
	if errors.Is(err, export.ErrUnknownTopic) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
