package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"restaurant-rag/internal/domain"
	"restaurant-rag/internal/usecase"
)

type stubService struct {
	startID  string
	chatOut  usecase.ChatOutput
	usage    usecase.UsageView
	queryOut usecase.QueryOutput
	docs     []domain.Document
	addID    string
	health   usecase.HealthReport
	err      error

	chatIn   usecase.ChatInput
	endedID  string
	queryIn  usecase.QueryInput
	searchQ  string
	searchK  int
	addedDoc embeddingRequest
}

func (s *stubService) Start(context.Context) (string, error) { return s.startID, s.err }

func (s *stubService) PostMessage(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.chatIn = in
	return s.chatOut, s.err
}

func (s *stubService) End(_ context.Context, id string) error {
	s.endedID = id
	return s.err
}

func (s *stubService) Usage(context.Context) (usecase.UsageView, error) { return s.usage, s.err }

func (s *stubService) Query(_ context.Context, in usecase.QueryInput) (usecase.QueryOutput, error) {
	s.queryIn = in
	return s.queryOut, s.err
}

func (s *stubService) SearchDocuments(_ context.Context, q string, k int) ([]domain.Document, error) {
	s.searchQ, s.searchK = q, k
	return s.docs, s.err
}

func (s *stubService) AddDocument(_ context.Context, content string, metadata map[string]any) (string, error) {
	s.addedDoc = embeddingRequest{Content: content, Metadata: metadata}
	return s.addID, s.err
}

func (s *stubService) Health(context.Context) usecase.HealthReport { return s.health }

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}
