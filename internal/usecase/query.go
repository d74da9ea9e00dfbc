package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"

	"restaurant-rag/internal/budget"
	"restaurant-rag/internal/domain"
)

const (
	defaultQueryLimit = 10
	maxQueryLimit     = 50
	maxSources        = 3
)

type DocumentStore interface {
	SimilaritySearch(ctx context.Context, query string, k int) ([]domain.Document, error)
	AddDocuments(ctx context.Context, docs []domain.Document) ([]string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type QueryInput struct {
	Query string
	Limit int
}

type Source struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type QueryOutput struct {
	Answer  string
	Sources []Source
}

// ModelUsage is one tier's consumption for the day.
type ModelUsage struct {
	Model     string      `json:"model"`
	Tier      domain.Tier `json:"tier"`
	Used      int64       `json:"used"`
	Budget    int64       `json:"budget"`
	Remaining int64       `json:"remaining"`
}

// UsageView is the token usage report exposed to operators.
type UsageView struct {
	Date             string       `json:"date"`
	ActiveTier       domain.Tier  `json:"current_active_model"`
	ActiveModel      string       `json:"active_model"`
	Models           []ModelUsage `json:"models"`
	LastCompletedRow int          `json:"last_completed_row"`
}

type HealthReport struct {
	Healthy  bool
	Services map[string]string
}

// Usage reports today's token consumption.
func (s *ChatService) Usage(ctx context.Context) (UsageView, error) {
	st, err := s.llm.Summary(ctx)
	if err != nil {
		return UsageView{}, newError(ErrorInternal, "usage_store_error", err)
	}

	primary, fallback := s.llm.Primary(), s.llm.Fallback()
	view := UsageView{
		Date:             st.Date,
		ActiveTier:       st.ActiveTier,
		ActiveModel:      primary.Model,
		LastCompletedRow: st.LastCompletedRow,
		Models: []ModelUsage{
			modelUsage(primary, domain.TierPrimary, st),
			modelUsage(fallback, domain.TierFallback, st),
		},
	}
	if st.ActiveTier == domain.TierFallback {
		view.ActiveModel = fallback.Model
	}
	return view, nil
}

func modelUsage(t domain.ModelTier, tier domain.Tier, st domain.UsageState) ModelUsage {
	used := st.Used(t.Model)
	return ModelUsage{
		Model:     t.Model,
		Tier:      tier,
		Used:      used,
		Budget:    t.Budget,
		Remaining: max(t.Budget-used, 0),
	}
}

// Query answers a single question without conversation history on the
// fallback model, returning the top sources alongside the answer.
func (s *ChatService) Query(ctx context.Context, in QueryInput) (QueryOutput, error) {
	question, err := s.screen(ctx, in.Query, "")
	if err != nil {
		return QueryOutput{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	limit = min(limit, maxQueryLimit)

	docs, err := s.retriever.Retrieve(ctx, question, limit)
	if err != nil {
		return QueryOutput{}, newError(ErrorUpstream, "retrieval_error", err)
	}

	answer, err := s.llm.Call(ctx, querySystemPrompt, answerUserPrompt(docs, question),
		budget.ForceModel(s.llm.Fallback().Model))
	switch {
	case errors.Is(err, budget.ErrBudgetExhausted):
		answer = budgetApologyMessage
	case err != nil:
		s.logger.Error("query generation failed", "err", err)
		answer = apologyMessage
	}

	sources := make([]Source, 0, maxSources)
	for _, d := range docs[:min(len(docs), maxSources)] {
		sources = append(sources, Source{Content: preview(d.Text), Metadata: d.Metadata})
	}
	return QueryOutput{Answer: strings.TrimSpace(answer), Sources: sources}, nil
}

// SearchDocuments returns raw similarity results with scores.
func (s *ChatService) SearchDocuments(ctx context.Context, query string, k int) ([]domain.Document, error) {
	if s.documents == nil {
		return nil, newError(ErrorInternal, "document_store_unavailable", nil)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if k <= 0 {
		k = s.cfg.RetrievalK
	}
	if k <= 0 {
		k = defaultQueryLimit
	}
	docs, err := s.documents.SimilaritySearch(ctx, query, min(k, maxQueryLimit))
	if err != nil {
		return nil, newError(ErrorUpstream, "vectorstore_error", err)
	}
	return docs, nil
}

// AddDocument embeds and stores one document, returning its id.
func (s *ChatService) AddDocument(ctx context.Context, content string, metadata map[string]any) (string, error) {
	if s.documents == nil {
		return "", newError(ErrorInternal, "document_store_unavailable", nil)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", newError(ErrorInvalidInput, "empty_content", nil)
	}
	ids, err := s.documents.AddDocuments(ctx, []domain.Document{{Text: content, Metadata: metadata}})
	if err != nil {
		return "", newError(ErrorUpstream, "vectorstore_error", err)
	}
	if len(ids) != 1 {
		return "", newError(ErrorInternal, "vectorstore_error", errors.New("usecase: unexpected id count"))
	}
	return ids[0], nil
}

// Health pings every registered dependency.
func (s *ChatService) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Services: map[string]string{}}
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
		err := s.health[name].Ping(pctx)
		cancel()
		if err != nil {
			s.logger.Error("health check failed", "service", name, "err", err)
			report.Healthy = false
			report.Services[name] = "unhealthy"
			continue
		}
		report.Services[name] = "healthy"
	}
	return report
}
