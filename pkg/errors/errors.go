package errors

import (
	"errors"
	"fmt"
	"net/http"

	"voicegate/internal/core/domain"
)

// ErrorCode identifies a voice error on the wire and over HTTP.
type ErrorCode string

const (
	ErrCodeRoomFull         ErrorCode = "ROOM_FULL"
	ErrCodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeChannelNotFound  ErrorCode = "CHANNEL_NOT_FOUND"
	ErrCodeNotInRoom        ErrorCode = "NOT_IN_ROOM"
	ErrCodeOutOfOrder       ErrorCode = "SIGNALING_OUT_OF_ORDER"
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeCallNotFound     ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallExists       ErrorCode = "CALL_ALREADY_EXISTS"
	ErrCodeCallEnded        ErrorCode = "CALL_ENDED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a wire code and an HTTP status alongside the cause.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// FromDomain maps a domain error to its wire representation. Unknown errors
// map to INTERNAL_ERROR with a generic message so internals never leak.
func FromDomain(err error) *AppError {
	switch {
	case errors.Is(err, domain.ErrRoomFull):
		return &AppError{Code: ErrCodeRoomFull, Message: err.Error(), HTTPStatus: http.StatusConflict, Cause: err}
	case errors.Is(err, domain.ErrRoomNotFound):
		return &AppError{Code: ErrCodeRoomNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrChannelNotFound):
		return &AppError{Code: ErrCodeChannelNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrNotInRoom):
		return &AppError{Code: ErrCodeNotInRoom, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Cause: err}
	case errors.Is(err, domain.ErrSignalingOutOfOrder):
		return &AppError{Code: ErrCodeOutOfOrder, Message: err.Error(), HTTPStatus: http.StatusConflict, Cause: err}
	case errors.Is(err, domain.ErrTransportFailure), errors.Is(err, domain.ErrConnectionClosed):
		return &AppError{Code: ErrCodeTransportFailure, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable, Cause: err}
	case errors.Is(err, domain.ErrCallNotFound):
		return &AppError{Code: ErrCodeCallNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrCallAlreadyExists):
		return &AppError{Code: ErrCodeCallExists, Message: err.Error(), HTTPStatus: http.StatusConflict, Cause: err}
	case errors.Is(err, domain.ErrCallEnded), errors.Is(err, domain.ErrInvalidCallEvent):
		return &AppError{Code: ErrCodeCallEnded, Message: err.Error(), HTTPStatus: http.StatusConflict, Cause: err}
	case errors.Is(err, domain.ErrRateLimited):
		return &AppError{Code: ErrCodeRateLimited, Message: err.Error(), HTTPStatus: http.StatusTooManyRequests, Cause: err}
	case errors.Is(err, domain.ErrInvalidSignalPayload):
		return &AppError{Code: ErrCodeInvalidPayload, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Cause: err}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, Cause: err}
	}
}

// AsAppError extracts an AppError from an error chain, mapping plain domain
// errors on the way.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return FromDomain(err)
}
