// Package safety keeps chat input on the restaurant and dining topic before it
// reaches retrieval or a language model.
package safety

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"unicode/utf8"

	"restaurant-rag/internal/domain"
)

const (
	defaultMaxLength = 1000
	shortMessage     = 5
	categoryOffTopic = "off_topic"
)

// Pool names a set of interchangeable decline messages.
type Pool string

const (
	PoolOffTopic      Pool = "off_topic"
	PoolInappropriate Pool = "inappropriate"
	PoolBlocked       Pool = "blocked_content"
	PoolRateLimit     Pool = "rate_limit"
)

type matcher struct {
	name string
	re   *regexp.Regexp
}

// Filter validates inbound chat messages. It is safe for concurrent use; the
// keyword tables are compiled once in NewFilter and never mutated.
type Filter struct {
	maxLength      int
	blocked        []matcher
	domain         *regexp.Regexp
	conversational *regexp.Regexp
	limiter        *Limiter
	logger         *slog.Logger
	pick           func(n int) int
}

// Option configures a Filter.
type Option func(*Filter)

// WithMaxLength sets the maximum accepted message length in characters.
func WithMaxLength(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.maxLength = n
		}
	}
}

// WithLimiter enables per-session rate limiting.
func WithLimiter(l *Limiter) Option {
	return func(f *Filter) { f.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// withPicker replaces the random source used to choose decline messages.
func withPicker(pick func(n int) int) Option {
	return func(f *Filter) { f.pick = pick }
}

// NewFilter compiles the keyword tables.
func NewFilter(opts ...Option) *Filter {
	f := &Filter{
		maxLength:      defaultMaxLength,
		domain:         compileGroups(domainKeywords, true),
		conversational: compileGroups(conversationalWords, false),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		pick:           rand.IntN,
	}
	for _, g := range blockedTopics {
		f.blocked = append(f.blocked, matcher{name: g.name, re: compileTerms(g.terms, true)})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Validate checks a message and returns the sanitized text when it may be
// forwarded. sessionID is optional and only used for rate limiting.
func (f *Filter) Validate(message, sessionID string) domain.Decision {
	if utf8.RuneCountInString(message) > f.maxLength {
		return domain.Decision{
			Reason:   domain.ReasonLengthLimit,
			Category: string(domain.ReasonLengthLimit),
			Message:  "Please keep your message shorter. I'm here to help with restaurant-related questions!",
		}
	}

	cleaned := Sanitize(message)
	if cleaned == "" {
		return domain.Decision{
			Reason:   domain.ReasonEmptyMessage,
			Category: string(domain.ReasonEmptyMessage),
			Message:  "Please send a message! I'm here to help you discover amazing restaurants and dining experiences.",
		}
	}

	if f.limiter != nil && sessionID != "" && !f.limiter.Allow(sessionID) {
		f.logger.Warn("chat rate limit exceeded", "session", sessionID)
		return domain.Decision{
			Reason:   domain.ReasonRateLimit,
			Category: string(domain.ReasonRateLimit),
			Message:  f.decline(PoolRateLimit),
		}
	}

	if category, ok := f.blockedCategory(cleaned); ok {
		f.logger.Warn("blocked content detected", "category", category, "session", sessionID)
		pool, found := poolForCategory[category]
		if !found {
			pool = PoolBlocked
		}
		return domain.Decision{
			Reason:   domain.ReasonBlockedContent,
			Category: category,
			Message:  f.decline(pool),
		}
	}

	if !f.onTopic(cleaned) {
		return domain.Decision{
			Reason:   domain.ReasonOffTopic,
			Category: categoryOffTopic,
			Message:  f.decline(PoolOffTopic),
		}
	}

	return domain.Decision{Valid: true, Cleaned: cleaned}
}

func (f *Filter) blockedCategory(s string) (string, bool) {
	for _, m := range f.blocked {
		if m.re.MatchString(s) {
			return m.name, true
		}
	}
	return "", false
}

// onTopic accepts domain vocabulary anywhere, and short pleasantries that use
// conversational filler without naming the domain.
func (f *Filter) onTopic(s string) bool {
	if f.domain.MatchString(s) {
		return true
	}
	return f.conversational.MatchString(s) && len(strings.Fields(s)) <= shortMessage
}

func (f *Filter) decline(pool Pool) string {
	msgs := declineMessages[pool]
	if len(msgs) == 0 {
		msgs = declineMessages[PoolOffTopic]
	}
	return msgs[f.pick(len(msgs))]
}

func compileGroups(groups []termGroup, plural bool) *regexp.Regexp {
	var terms []string
	for _, g := range groups {
		terms = append(terms, g.terms...)
	}
	return compileTerms(terms, plural)
}

// compileTerms builds a case-insensitive whole-word matcher. With plural set,
// a trailing "s" or "es" also matches.
func compileTerms(terms []string, plural bool) *regexp.Regexp {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(t))
	}
	suffix := ""
	if plural {
		suffix = `(?:s|es)?`
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)` + suffix + `\b`)
}
