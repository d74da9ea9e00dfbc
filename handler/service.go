// Package handler exposes the chat service over API Gateway (Lambda) and a
// standalone HTTP server.
package handler

import (
	"context"

	"restaurant-rag/internal/domain"
	"restaurant-rag/internal/usecase"
)

// ChatUseCase is the conversation surface shared by both transports.
type ChatUseCase interface {
	Start(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	End(ctx context.Context, conversationID string) error
	Usage(ctx context.Context) (usecase.UsageView, error)
}

// Service adds the operations only the HTTP server exposes.
type Service interface {
	ChatUseCase
	Query(ctx context.Context, in usecase.QueryInput) (usecase.QueryOutput, error)
	SearchDocuments(ctx context.Context, query string, k int) ([]domain.Document, error)
	AddDocument(ctx context.Context, content string, metadata map[string]any) (string, error)
	Health(ctx context.Context) usecase.HealthReport
}

type startResponse struct {
	ConversationID string `json:"conversation_id"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	Response       string        `json:"response"`
	ConversationID string        `json:"conversation_id"`
	History        []domain.Turn `json:"history"`
}

type endResponse struct {
	Status string `json:"status"`
}

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type queryResponse struct {
	Answer  string           `json:"answer"`
	Sources []usecase.Source `json:"sources"`
}

type embeddingRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type embeddingResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type searchResponse struct {
	Results []domain.Document `json:"results"`
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func toMessageResponse(out usecase.ChatOutput) messageResponse {
	history := out.History
	if history == nil {
		history = []domain.Turn{}
	}
	return messageResponse{Response: out.Answer, ConversationID: out.ConversationID, History: history}
}
