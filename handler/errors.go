package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"restaurant-rag/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

var defaultMessages = map[usecase.ErrorCode]string{
	usecase.ErrorInvalidInput:    "The request could not be processed. Please check your input.",
	usecase.ErrorInvalidQuestion: "I can only help with restaurant and dining questions.",
	usecase.ErrorRateLimited:     "Too many requests. Please wait a moment and try again.",
	usecase.ErrorNotFound:        "That conversation has ended or does not exist. Please start a new one.",
	usecase.ErrorUpstream:        "A service we depend on is unavailable. Please try again shortly.",
	usecase.ErrorInternal:        "Something went wrong on our side. Please try again.",
}

// mapError converts a service error into a status and body. Wrapped causes
// never reach the body.
func mapError(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "internal_error"}
	}

	var status int
	switch ue.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		status = http.StatusBadRequest
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: ue.Reason, Message: ue.Message}
	}

	msg := ue.Message
	if msg == "" {
		msg = defaultMessages[ue.Code]
	}
	return status, errorResponse{Error: string(ue.Code), Reason: ue.Reason, Message: msg}
}

func invalidBody() errorResponse {
	return errorResponse{
		Error:   string(usecase.ErrorInvalidInput),
		Reason:  "invalid_body",
		Message: defaultMessages[usecase.ErrorInvalidInput],
	}
}

// correlationID returns the caller's id, matching the header name in any
// case, or a new one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func logError(logger *slog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
		return
	}
	logger.Warn("request rejected", "status", status, "err", err)
}
