package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"restaurant-rag/internal/domain"
)

const (
	apologyMessage = "I'm sorry, I ran into a problem while looking that up. " +
		"Please try asking again in a moment."
	budgetApologyMessage = "I'm sorry, we've reached today's capacity for restaurant recommendations. " +
		"Please try again tomorrow."
	moderationMessage = "I'm not able to help with that. " +
		"Let's keep our conversation focused on restaurants and dining!"

	querySystemPrompt = "You are a helpful restaurant expert."
	noContext         = "No matching restaurants were found."
	sourcePreviewLen  = 200
)

func rephraseSystemPrompt() string {
	return strings.Join([]string{
		"Given the following conversation and a follow up question, rephrase the follow up question " +
			"to be a standalone question about restaurants, in its original language.",
		"Do not answer the question. Do not add details that the conversation does not imply.",
		"Return only the standalone question.",
	}, "\n")
}

func rephraseUserPrompt(history []domain.Turn, question string) string {
	return fmt.Sprintf("Chat History:\n%s\nFollow Up Input: %s\nStandalone question:", formatHistory(history), question)
}

func answerSystemPrompt() string {
	return strings.Join([]string{
		"You are a knowledgeable restaurant expert and culinary advisor. " +
			"Answer the question based only on the provided context about restaurants.",
		"",
		"Guidelines:",
		"- Focus on restaurants, cuisine, dining experiences, and food",
		"- Provide detailed, helpful information about restaurants",
		"- If asked about specific restaurants, mention their location, cuisine type, and key features",
		"- For Michelin-starred restaurants, mention their star rating",
		"- If you don't know something from the context, say so",
		"- Be enthusiastic about food and dining experiences",
		"- Suggest similar restaurants when appropriate",
	}, "\n")
}

func answerUserPrompt(docs []domain.Document, question string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", formatContext(docs), question)
}

func formatHistory(turns []domain.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		role := "Human"
		if t.Role == domain.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(t.Content))
	}
	return b.String()
}

func formatContext(docs []domain.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if text := strings.TrimSpace(d.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return noContext
	}
	return strings.Join(parts, "\n\n")
}

// cleanRephrase strips echoes of the prompt scaffolding and wrapping quotes.
// An empty result means the rephrase is unusable.
func cleanRephrase(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(strings.ToLower(s), "standalone question:"); i >= 0 {
		s = strings.TrimSpace(s[i+len("standalone question:"):])
	}
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= sourcePreviewLen {
		return s
	}
	r := []rune(s)
	return string(r[:sourcePreviewLen]) + "..."
}
