package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"restaurant-rag/internal/usecase"
)

// Handler serves the conversation routes behind an API Gateway proxy
// integration:
//
//	POST   /conversations
//	POST   /conversations/{id}/messages
//	DELETE /conversations/{id}
//	GET    /usage
type Handler struct {
	svc    ChatUseCase
	logger *slog.Logger
}

// NewHandler creates a Handler. logger may be nil.
func NewHandler(svc ChatUseCase, logger *slog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{svc: svc, logger: logger}, nil
}

// Handle routes one proxy event. Failures are returned as responses; the
// error result is always nil so API Gateway never sees a 502 from Lambda.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	status, body, err := h.route(ctx, req)
	if err != nil {
		logError(logger, status, err)
	}
	return respond(status, body, corrID), nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) (int, any, error) {
	segs := pathSegments(req.Path)
	id := req.PathParameters["id"]

	switch {
	case req.HTTPMethod == http.MethodPost && len(segs) == 1 && segs[0] == "conversations":
		convID, err := h.svc.Start(ctx)
		if err != nil {
			return fail(err)
		}
		return http.StatusCreated, startResponse{ConversationID: convID}, nil

	case req.HTTPMethod == http.MethodPost && len(segs) == 3 && segs[0] == "conversations" && segs[2] == "messages":
		if id == "" {
			id = segs[1]
		}
		var in messageRequest
		if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
			return http.StatusBadRequest, invalidBody(), nil
		}
		out, err := h.svc.PostMessage(ctx, usecase.ChatInput{ConversationID: id, Message: in.Message})
		if err != nil {
			return fail(err)
		}
		return http.StatusOK, toMessageResponse(out), nil

	case req.HTTPMethod == http.MethodDelete && len(segs) == 2 && segs[0] == "conversations":
		if id == "" {
			id = segs[1]
		}
		if err := h.svc.End(ctx, id); err != nil {
			return fail(err)
		}
		return http.StatusOK, endResponse{Status: "ended"}, nil

	case req.HTTPMethod == http.MethodGet && len(segs) == 1 && segs[0] == "usage":
		view, err := h.svc.Usage(ctx)
		if err != nil {
			return fail(err)
		}
		return http.StatusOK, view, nil
	}

	return http.StatusNotFound, errorResponse{
		Error:   string(usecase.ErrorNotFound),
		Reason:  "route_not_found",
		Message: "No such endpoint.",
	}, nil
}

func fail(err error) (int, any, error) {
	status, body := mapError(err)
	return status, body, err
}

func respond(status int, body any, corrID string) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_error","message":""}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}

// pathSegments drops empty segments so "/conversations/" and a stage prefix
// such as "/prod/conversations" route the same way.
func pathSegments(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	for i, s := range segs {
		if s == "conversations" || s == "usage" {
			return segs[i:]
		}
	}
	return segs
}
