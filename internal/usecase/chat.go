// Package usecase holds the conversational RAG orchestration: safety checks,
// follow-up rephrasing, retrieval, budgeted generation and history upkeep.
package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"restaurant-rag/internal/budget"
	"restaurant-rag/internal/conversation"
	"restaurant-rag/internal/domain"
)

const (
	defaultHistoryWindow = 6
	defaultHistoryTail   = 2
	defaultCacheTimeout  = 3 * time.Second
)

type Validator interface {
	Validate(message, sessionID string) domain.Decision
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type ModelCaller interface {
	Call(ctx context.Context, systemPrompt, userPrompt string, opts ...budget.CallOption) (string, error)
	Summary(ctx context.Context) (domain.UsageState, error)
	Primary() domain.ModelTier
	Fallback() domain.ModelTier
}

type ConversationStore interface {
	Create(ctx context.Context) (string, error)
	Load(ctx context.Context, id string) (domain.Conversation, error)
	Save(ctx context.Context, conv domain.Conversation) error
	Delete(ctx context.Context, id string) error
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.Document, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Deps are the collaborators of ChatService. Moderator, Documents and
// Health are optional.
type Deps struct {
	Validator     Validator
	Moderator     Moderator
	LLM           ModelCaller
	Conversations ConversationStore
	Retriever     Retriever
	Documents     DocumentStore
	Health        map[string]Pinger
}

// Config bounds history handling and cache calls. Zero values use defaults.
type Config struct {
	// HistoryWindow is the number of trailing turns given to the rephraser.
	HistoryWindow int
	// HistoryTail is the number of trailing turns returned to the client.
	HistoryTail  int
	RetrievalK   int
	CacheTimeout time.Duration
}

type ChatService struct {
	validator     Validator
	moderator     Moderator
	llm           ModelCaller
	conversations ConversationStore
	retriever     Retriever
	documents     DocumentStore
	health        map[string]Pinger
	cfg           Config
	logger        *slog.Logger
}

type Option func(*ChatService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) { s.logger = l }
}

type ChatInput struct {
	ConversationID string
	Message        string
}

type ChatOutput struct {
	Answer         string
	ConversationID string
	History        []domain.Turn
}

func NewChatService(d Deps, cfg Config, opts ...Option) (*ChatService, error) {
	if d.Validator == nil {
		return nil, errors.New("usecase: validator must not be nil")
	}
	if d.LLM == nil {
		return nil, errors.New("usecase: model caller must not be nil")
	}
	if d.Conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if d.Retriever == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.HistoryTail <= 0 {
		cfg.HistoryTail = defaultHistoryTail
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = defaultCacheTimeout
	}
	s := &ChatService{
		validator:     d.Validator,
		moderator:     d.Moderator,
		llm:           d.LLM,
		conversations: d.Conversations,
		retriever:     d.Retriever,
		documents:     d.Documents,
		health:        d.Health,
		cfg:           cfg,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start creates an empty conversation and returns its id.
func (s *ChatService) Start(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()

	id, err := s.conversations.Create(ctx)
	if err != nil {
		return "", newError(ErrorInternal, "cache_write_error", err)
	}
	s.logger.Info("conversation started", "conversation_id", id)
	return id, nil
}

// PostMessage answers one message within a conversation. Generation failures
// become an apology in the answer; validation, lookup and persistence
// failures are returned as *Error.
func (s *ChatService) PostMessage(ctx context.Context, in ChatInput) (ChatOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}

	// Unknown ids are rejected before screening so they never consume a
	// session's rate-limit tokens.
	conv, err := s.load(ctx, convID)
	if err != nil {
		return ChatOutput{}, err
	}

	question, err := s.screen(ctx, in.Message, convID)
	if err != nil {
		return ChatOutput{}, err
	}

	standalone := s.rephrase(ctx, conv, question)
	answer := s.answer(ctx, convID, standalone)

	conv = conv.Append(question, answer)
	if err := s.save(ctx, conv); err != nil {
		return ChatOutput{}, err
	}

	return ChatOutput{
		Answer:         answer,
		ConversationID: convID,
		History:        conv.Tail(s.cfg.HistoryTail),
	}, nil
}

// End deletes a conversation.
func (s *ChatService) End(ctx context.Context, conversationID string) error {
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()

	err := s.conversations.Delete(ctx, convID)
	if errors.Is(err, conversation.ErrNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return newError(ErrorInternal, "cache_delete_error", err)
	}
	s.logger.Info("conversation ended", "conversation_id", convID)
	return nil
}

// screen runs the safety filter and, when configured, provider moderation.
// It returns the sanitized message.
func (s *ChatService) screen(ctx context.Context, message, sessionID string) (string, error) {
	decision := s.validator.Validate(message, sessionID)
	if !decision.Valid {
		s.logger.Warn("message rejected", "reason", decision.Reason, "category", decision.Category, "conversation_id", sessionID)
		return "", newUserError(codeForReason(decision.Reason), string(decision.Reason), decision.Message)
	}

	if s.moderator == nil {
		return decision.Cleaned, nil
	}
	flagged, err := s.moderator.Moderate(ctx, decision.Cleaned)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return "", newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		s.logger.Warn("message flagged by moderation", "conversation_id", sessionID)
		return "", newUserError(ErrorInvalidQuestion, "moderation_flagged", moderationMessage)
	}
	return decision.Cleaned, nil
}

func codeForReason(r domain.Reason) ErrorCode {
	switch r {
	case domain.ReasonRateLimit:
		return ErrorRateLimited
	case domain.ReasonBlockedContent, domain.ReasonOffTopic:
		return ErrorInvalidQuestion
	default:
		return ErrorInvalidInput
	}
}

func (s *ChatService) load(ctx context.Context, id string) (domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()

	conv, err := s.conversations.Load(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "cache_read_error", err)
	}
	return conv, nil
}

func (s *ChatService) save(ctx context.Context, conv domain.Conversation) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()

	if err := s.conversations.Save(ctx, conv); err != nil {
		return newError(ErrorInternal, "cache_write_error", err)
	}
	return nil
}

// rephrase turns a follow-up into a standalone question on the primary model.
// Any failure or unusable output yields the question unchanged.
func (s *ChatService) rephrase(ctx context.Context, conv domain.Conversation, question string) string {
	if len(conv.Turns) == 0 {
		return question
	}
	out, err := s.llm.Call(ctx,
		rephraseSystemPrompt(),
		rephraseUserPrompt(conv.Tail(s.cfg.HistoryWindow), question),
		budget.ForceModel(s.llm.Primary().Model),
	)
	if err != nil {
		s.logger.Warn("rephrase failed, using raw message", "conversation_id", conv.ID, "err", err)
		return question
	}
	standalone := cleanRephrase(out)
	if standalone == "" {
		s.logger.Warn("rephrase returned empty output, using raw message", "conversation_id", conv.ID)
		return question
	}
	return standalone
}

// answer retrieves context and generates a grounded reply. It never fails:
// errors become an apology, with a distinct one for an exhausted budget.
func (s *ChatService) answer(ctx context.Context, convID, question string) string {
	docs, err := s.retriever.Retrieve(ctx, question, s.cfg.RetrievalK)
	if err != nil {
		s.logger.Error("retrieval failed", "conversation_id", convID, "err", err)
		return apologyMessage
	}

	out, err := s.llm.Call(ctx, answerSystemPrompt(), answerUserPrompt(docs, question))
	if errors.Is(err, budget.ErrBudgetExhausted) {
		s.logger.Warn("token budget exhausted", "conversation_id", convID)
		return budgetApologyMessage
	}
	if err != nil {
		s.logger.Error("generation failed", "conversation_id", convID, "err", err)
		return apologyMessage
	}
	if strings.TrimSpace(out) == "" {
		s.logger.Warn("generation returned empty output", "conversation_id", convID)
		return apologyMessage
	}
	return strings.TrimSpace(out)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
