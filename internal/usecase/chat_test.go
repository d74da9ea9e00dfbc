package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"restaurant-rag/internal/budget"
	"restaurant-rag/internal/conversation"
	"restaurant-rag/internal/domain"
	"restaurant-rag/internal/integrations/openai"
	"restaurant-rag/internal/safety"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type memUsage struct {
	mu      sync.Mutex
	st      domain.UsageState
	loadErr error
}

func (m *memUsage) Load(context.Context) (domain.UsageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.UsageState{}, m.loadErr
	}
	return m.st.Clone(), nil
}

func (m *memUsage) Save(_ context.Context, st domain.UsageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Version != m.st.Version {
		return domain.ErrVersionConflict
	}
	st.Version++
	m.st = st.Clone()
	return nil
}

type llmCall struct {
	model  string
	system string
	user   string
}

type fakeCompleter struct {
	mu       sync.Mutex
	calls    []llmCall
	rephrase func() (string, error)
	generate func() (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, model, system, user string) (domain.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{model: model, system: system, user: user})
	f.mu.Unlock()

	respond := f.generate
	if system == rephraseSystemPrompt() {
		respond = f.rephrase
	}
	if respond == nil {
		return domain.Completion{Text: "Try Le Bernardin for seafood.", TotalTokens: 10}, nil
	}
	text, err := respond()
	return domain.Completion{Text: text, TotalTokens: 10}, err
}

type fakeConversations struct {
	convs   map[string]domain.Conversation
	next    int
	saveErr error
	loadErr error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{convs: map[string]domain.Conversation{}}
}

func (f *fakeConversations) Create(context.Context) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.next++
	id := "conv-" + string(rune('0'+f.next))
	f.convs[id] = domain.Conversation{ID: id}
	return id, nil
}

func (f *fakeConversations) Load(_ context.Context, id string) (domain.Conversation, error) {
	if f.loadErr != nil {
		return domain.Conversation{}, f.loadErr
	}
	c, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeConversations) Save(_ context.Context, c domain.Conversation) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.convs[c.ID] = c
	return nil
}

func (f *fakeConversations) Delete(_ context.Context, id string) error {
	if _, ok := f.convs[id]; !ok {
		return conversation.ErrNotFound
	}
	delete(f.convs, id)
	return nil
}

type fakeRetriever struct {
	docs    []domain.Document
	err     error
	queries []string
	ks      []int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, k int) ([]domain.Document, error) {
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	return f.docs, f.err
}

type fakeModerator struct {
	flagged bool
	err     error
}

func (f *fakeModerator) Moderate(context.Context, string) (bool, error) {
	return f.flagged, f.err
}

type harness struct {
	svc       *ChatService
	llm       *fakeCompleter
	usage     *memUsage
	convs     *fakeConversations
	retriever *fakeRetriever
	tracker   *budget.Tracker
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		llm:       &fakeCompleter{},
		usage:     &memUsage{},
		convs:     newFakeConversations(),
		retriever: &fakeRetriever{docs: []domain.Document{{Text: "Le Bernardin: seafood, New York, 3 Michelin stars."}}},
	}
	tracker, err := budget.New(h.usage, h.llm, budget.Config{
		Primary:  domain.ModelTier{Model: "gpt-4o", Budget: 1000},
		Fallback: domain.ModelTier{Model: "gpt-4o-mini", Budget: 1000},
	}, budget.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	h.tracker = tracker

	deps := Deps{
		Validator:     safety.NewFilter(),
		LLM:           tracker,
		Conversations: h.convs,
		Retriever:     h.retriever,
	}
	for _, m := range mutate {
		m(&deps)
	}
	svc, err := NewChatService(deps, Config{RetrievalK: 5})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	return ucErr
}

func TestNewChatService_Validates(t *testing.T) {
	_, err := NewChatService(Deps{}, Config{})
	require.Error(t, err)
	_, err = NewChatService(Deps{Validator: safety.NewFilter()}, Config{})
	require.Error(t, err)
}

func TestPostMessage_FirstTurnSkipsRephrase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx)
	require.NoError(t, err)

	out, err := h.svc.PostMessage(ctx, ChatInput{ConversationID: id, Message: "Best seafood restaurant in New York?"})
	require.NoError(t, err)
	require.Equal(t, "Try Le Bernardin for seafood.", out.Answer)
	require.Equal(t, id, out.ConversationID)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleHuman, Content: "Best seafood restaurant in New York?"},
		{Role: domain.RoleAssistant, Content: "Try Le Bernardin for seafood."},
	}, out.History)

	require.Len(t, h.llm.calls, 1)
	require.Equal(t, "gpt-4o", h.llm.calls[0].model)
	require.Contains(t, h.llm.calls[0].system, "Michelin")
	require.Contains(t, h.llm.calls[0].user, "Le Bernardin: seafood")
	require.Contains(t, h.llm.calls[0].user, "Question: Best seafood restaurant in New York?")
	require.Equal(t, []string{"Best seafood restaurant in New York?"}, h.retriever.queries)
	require.Equal(t, []int{5}, h.retriever.ks)
	require.Len(t, h.convs.convs[id].Turns, 2)
}

func TestPostMessage_FollowUpIsRephrasedOnPrimary(t *testing.T) {
	h := newHarness(t)
	h.llm.rephrase = func() (string, error) { return "Standalone question: Is Le Bernardin open on Sundays?", nil }
	answers := []string{"Try Le Bernardin for seafood.", "Le Bernardin is closed on Sundays."}
	h.llm.generate = func() (string, error) {
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	ctx := context.Background()
	id, err := h.svc.Start(ctx)
	require.NoError(t, err)

	_, err = h.svc.PostMessage(ctx, ChatInput{ConversationID: id, Message: "Best seafood restaurant in New York?"})
	require.NoError(t, err)
	out, err := h.svc.PostMessage(ctx, ChatInput{ConversationID: id, Message: "Is that restaurant open on Sundays?"})
	require.NoError(t, err)

	require.Len(t, h.llm.calls, 3)
	rephrase := h.llm.calls[1]
	require.Equal(t, "gpt-4o", rephrase.model)
	require.Contains(t, rephrase.user, "Human: Best seafood restaurant in New York?")
	require.Contains(t, rephrase.user, "Assistant: Try Le Bernardin for seafood.")
	require.Contains(t, rephrase.user, "Follow Up Input: Is that restaurant open on Sundays?")

	require.Equal(t, "Is Le Bernardin open on Sundays?", h.retriever.queries[1])
	// History keeps what the user actually wrote.
	require.Equal(t, "Is that restaurant open on Sundays?", out.History[0].Content)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleHuman, Content: "Best seafood restaurant in New York?"},
		{Role: domain.RoleAssistant, Content: "Try Le Bernardin for seafood."},
		{Role: domain.RoleHuman, Content: "Is that restaurant open on Sundays?"},
		{Role: domain.RoleAssistant, Content: "Le Bernardin is closed on Sundays."},
	}, h.convs.convs[id].Turns)
	require.Equal(t, "Le Bernardin is closed on Sundays.", out.Answer)
}

func TestPostMessage_RephraseUsesHistoryWindow(t *testing.T) {
	h := newHarness(t)
	conv := domain.Conversation{ID: "c"}
	for i := 0; i < 5; i++ {
		conv = conv.Append("restaurant question "+string(rune('a'+i)), "answer")
	}
	h.convs.convs["c"] = conv

	_, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: "c", Message: "and the menu?"})
	require.NoError(t, err)
	rephrase := h.llm.calls[0]
	require.NotContains(t, rephrase.user, "restaurant question b")
	require.Contains(t, rephrase.user, "restaurant question c")
	require.Contains(t, rephrase.user, "restaurant question e")
}

func TestPostMessage_RephraseFailureFallsBackToRawMessage(t *testing.T) {
	for name, rephrase := range map[string]func() (string, error){
		"error": func() (string, error) { return "", errors.New("upstream 500") },
		"empty": func() (string, error) { return "   ", nil },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.llm.rephrase = rephrase
			h.convs.convs["c"] = domain.Conversation{ID: "c"}.Append("sushi in Tokyo?", "Try Sushi Saito.")

			out, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: "c", Message: "what about ramen restaurants?"})
			require.NoError(t, err)
			require.Equal(t, "Try Le Bernardin for seafood.", out.Answer)
			require.Equal(t, []string{"what about ramen restaurants?"}, h.retriever.queries)
		})
	}
}

func TestPostMessage_GenerationFailureIsApology(t *testing.T) {
	h := newHarness(t)
	h.llm.generate = func() (string, error) { return "", errors.New("connection reset") }
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	out, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "pizza restaurants near me?"})
	require.NoError(t, err)
	require.Equal(t, apologyMessage, out.Answer)
	require.Equal(t, apologyMessage, h.convs.convs[id].Turns[1].Content)
}

func TestPostMessage_BudgetExhaustedIsDistinctApology(t *testing.T) {
	h := newHarness(t)
	h.usage.st = domain.UsageState{
		ActiveTier:   domain.TierFallback,
		Date:         "2026-05-01",
		UsageByModel: map[string]int64{"gpt-4o": 1000, "gpt-4o-mini": 1000},
		Version:      1,
	}
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	out, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "pizza restaurants near me?"})
	require.NoError(t, err)
	require.Equal(t, budgetApologyMessage, out.Answer)
	require.NotEqual(t, apologyMessage, out.Answer)
	require.Empty(t, h.llm.calls)
}

func TestPostMessage_ExhaustedPrimaryRephraseStillAnswersOnFallback(t *testing.T) {
	h := newHarness(t)
	h.usage.st = domain.UsageState{
		ActiveTier:   domain.TierFallback,
		Date:         "2026-05-01",
		UsageByModel: map[string]int64{"gpt-4o": 1000},
		Version:      1,
	}
	h.convs.convs["c"] = domain.Conversation{ID: "c"}.Append("sushi in Tokyo?", "Try Sushi Saito.")

	out, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: "c", Message: "any cheaper sushi restaurants?"})
	require.NoError(t, err)
	require.Equal(t, "Try Le Bernardin for seafood.", out.Answer)
	require.Len(t, h.llm.calls, 1)
	require.Equal(t, "gpt-4o-mini", h.llm.calls[0].model)
	require.Equal(t, []string{"any cheaper sushi restaurants?"}, h.retriever.queries)
}

func TestPostMessage_RetrievalFailureIsApologyWithoutGeneration(t *testing.T) {
	h := newHarness(t)
	h.retriever.err = errors.New("pq: connection refused")
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	out, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "tapas restaurants in Madrid?"})
	require.NoError(t, err)
	require.Equal(t, apologyMessage, out.Answer)
	require.Empty(t, h.llm.calls)
}

func TestPostMessage_UnknownConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PostMessage(context.Background(), ChatInput{ConversationID: "nope", Message: "best bistro in Paris?"})
	requireCode(t, err, ErrorNotFound)
	require.Empty(t, h.llm.calls)

	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: " ", Message: "best bistro in Paris?"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestPostMessage_SafetyRejections(t *testing.T) {
	cases := []struct {
		message string
		code    ErrorCode
		reason  string
	}{
		{"", ErrorInvalidInput, "empty_message"},
		{strings.Repeat("a", 1001), ErrorInvalidInput, "length_limit"},
		{"Which restaurant did the president visit?", ErrorInvalidQuestion, "blocked_content"},
		{"Explain general relativity in simple terms please", ErrorInvalidQuestion, "off_topic"},
	}
	for _, tc := range cases {
		h := newHarness(t)
		id, err := h.svc.Start(context.Background())
		require.NoError(t, err)

		_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: tc.message})
		ucErr := requireCode(t, err, tc.code)
		require.Equal(t, tc.reason, ucErr.Reason)
		require.NotEmpty(t, ucErr.Message)
		require.Empty(t, h.llm.calls)
		require.Empty(t, h.convs.convs[id].Turns)
	}
}

func TestPostMessage_RateLimited(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Validator = safety.NewFilter(safety.WithLimiter(safety.NewLimiter(1, time.Hour)))
	})
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	require.NoError(t, err)
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	requireCode(t, err, ErrorRateLimited)
}

func TestPostMessage_UnknownConversationDoesNotConsumeRateLimit(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Validator = safety.NewFilter(safety.WithLimiter(safety.NewLimiter(1, time.Hour)))
	})
	ctx := context.Background()

	// "conv-1" is the id the next Start hands out.
	for i := 0; i < 3; i++ {
		_, err := h.svc.PostMessage(ctx, ChatInput{ConversationID: "conv-1", Message: "best pizza restaurant"})
		requireCode(t, err, ErrorNotFound)
	}

	id, err := h.svc.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "conv-1", id)
	_, err = h.svc.PostMessage(ctx, ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	require.NoError(t, err)
}

func TestPostMessage_Moderation(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Moderator = &fakeModerator{flagged: true} })
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	ucErr := requireCode(t, err, ErrorInvalidQuestion)
	require.Equal(t, moderationMessage, ucErr.Message)

	h = newHarness(t, func(d *Deps) {
		d.Moderator = &fakeModerator{err: &openai.HTTPStatusError{StatusCode: 429}}
	})
	id, err = h.svc.Start(context.Background())
	require.NoError(t, err)
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	requireCode(t, err, ErrorRateLimited)

	h = newHarness(t, func(d *Deps) { d.Moderator = &fakeModerator{err: errors.New("timeout")} })
	id, err = h.svc.Start(context.Background())
	require.NoError(t, err)
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	requireCode(t, err, ErrorUpstream)
}

func TestPostMessage_PersistenceFailures(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	h.convs.saveErr = errors.New("redis down")
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	ucErr := requireCode(t, err, ErrorInternal)
	require.Equal(t, "cache_write_error", ucErr.Reason)
	require.Empty(t, h.convs.convs[id].Turns)

	h.convs.saveErr = nil
	h.convs.loadErr = errors.New("redis down")
	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	ucErr = requireCode(t, err, ErrorInternal)
	require.Equal(t, "cache_read_error", ucErr.Reason)

	h.convs.saveErr = errors.New("redis down")
	_, err = h.svc.Start(context.Background())
	requireCode(t, err, ErrorInternal)
}

func TestEnd(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.svc.End(context.Background(), id))
	requireCode(t, h.svc.End(context.Background(), id), ErrorNotFound)
	requireCode(t, h.svc.End(context.Background(), "unknown"), ErrorNotFound)
	requireCode(t, h.svc.End(context.Background(), ""), ErrorInvalidInput)

	_, err = h.svc.PostMessage(context.Background(), ChatInput{ConversationID: id, Message: "best pizza restaurant"})
	requireCode(t, err, ErrorNotFound)
}

func TestCleanRephrase(t *testing.T) {
	require.Equal(t, "Is it open?", cleanRephrase(`  "Is it open?" `))
	require.Equal(t, "Is it open?", cleanRephrase("Standalone question: Is it open?"))
	require.Empty(t, cleanRephrase(`""`))
}

func TestError_Format(t *testing.T) {
	err := newError(ErrorUpstream, "openai_error", errors.New("boom"))
	require.Equal(t, "usecase: UPSTREAM_ERROR (openai_error): boom", err.Error())
	require.Equal(t, "usecase: NOT_FOUND (x)", newError(ErrorNotFound, "x", nil).Error())
	var nilErr *Error
	require.Empty(t, nilErr.Error())
	require.NoError(t, nilErr.Unwrap())
}
