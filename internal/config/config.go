// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names.
const (
	BackendFile     = "file"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Config holds every setting used by the entry points.
type Config struct {
	ParamPrefix   string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	PrimaryModel   string
	PrimaryBudget  int64
	FallbackModel  string
	FallbackBudget int64
	EmbeddingModel string

	UsageBackend string
	UsageFile    string
	UsageTable   string

	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTable    string

	DatabaseURL string
	VectorTable string

	ConversationTTL  time.Duration
	HistoryWindow    int
	HistoryTail      int
	RetrievalK       int
	MaxMessageLength int

	RateLimitMessages int
	RateLimitWindow   time.Duration
	ModerationEnabled bool

	ModelTimeout     time.Duration
	RetrievalTimeout time.Duration
	CacheTimeout     time.Duration

	Port      int
	LogLevel  string
	LogFormat string
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

type env struct {
	get  func(string) string
	errs []error
}

func load(getenv func(string) string) (Config, error) {
	e := &env{get: getenv}
	c := Config{
		ParamPrefix:   strings.TrimRight(e.str("PARAM_PREFIX", ""), "/"),
		OpenAIAPIKey:  e.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL: e.str("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		PrimaryModel:   e.str("PRIMARY_MODEL", "gpt-4o"),
		PrimaryBudget:  int64(e.positiveInt("PRIMARY_BUDGET", 240000)),
		FallbackModel:  e.str("FALLBACK_MODEL", "gpt-4o-mini"),
		FallbackBudget: int64(e.positiveInt("FALLBACK_BUDGET", 2450000)),
		EmbeddingModel: e.str("EMBEDDING_MODEL", "text-embedding-3-small"),

		UsageBackend: e.oneOf("USAGE_BACKEND", BackendFile, BackendFile, BackendDynamoDB),
		UsageFile:    e.str("USAGE_FILE", "state/token_usage.json"),
		UsageTable:   e.str("USAGE_TABLE", ""),

		CacheBackend:  e.oneOf("CACHE_BACKEND", BackendRedis, BackendRedis, BackendDynamoDB),
		RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.intVal("REDIS_DB", 0),
		CacheTable:    e.str("CACHE_TABLE", ""),

		DatabaseURL: e.required("DATABASE_URL"),
		VectorTable: e.str("VECTOR_TABLE", "restaurant_embeddings"),

		ConversationTTL:  e.duration("CONVERSATION_TTL", time.Hour),
		HistoryWindow:    e.positiveInt("HISTORY_WINDOW", 6),
		HistoryTail:      e.positiveInt("HISTORY_TAIL", 2),
		RetrievalK:       e.positiveInt("RETRIEVAL_K", 5),
		MaxMessageLength: e.positiveInt("MAX_MESSAGE_LENGTH", 1000),

		RateLimitMessages: e.intVal("RATE_LIMIT_MESSAGES", 20),
		RateLimitWindow:   e.duration("RATE_LIMIT_WINDOW", time.Minute),
		ModerationEnabled: e.boolVal("MODERATION_ENABLED", false),

		ModelTimeout:     e.duration("MODEL_TIMEOUT", 45*time.Second),
		RetrievalTimeout: e.duration("RETRIEVAL_TIMEOUT", 10*time.Second),
		CacheTimeout:     e.duration("CACHE_TIMEOUT", 3*time.Second),

		Port:      e.positiveInt("PORT", 8001),
		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.oneOf("LOG_FORMAT", "json", "json", "text"),
	}

	if c.ParamPrefix == "" && c.OpenAIAPIKey == "" {
		e.errs = append(e.errs, errors.New("one of PARAM_PREFIX or OPENAI_API_KEY must be set"))
	}
	if c.PrimaryModel == c.FallbackModel {
		e.errs = append(e.errs, errors.New("PRIMARY_MODEL and FALLBACK_MODEL must differ"))
	}
	if c.UsageBackend == BackendDynamoDB && c.UsageTable == "" {
		e.errs = append(e.errs, errors.New("USAGE_TABLE is required when USAGE_BACKEND=dynamodb"))
	}
	if c.CacheBackend == BackendDynamoDB && c.CacheTable == "" {
		e.errs = append(e.errs, errors.New("CACHE_TABLE is required when CACHE_BACKEND=dynamodb"))
	}

	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(e.errs...))
	}
	return c, nil
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) required(key string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("required environment variable %s is not set", key))
	}
	return v
}

func (e *env) intVal(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) positiveInt(key string, def int) int {
	n := e.intVal(key, def)
	if n <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: must be positive", key))
		return def
	}
	return n
}

func (e *env) boolVal(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go duration strings; a bare integer is read as seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		v = strconv.Itoa(n) + "s"
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a positive duration", key, v))
		return def
	}
	return d
}

func (e *env) oneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(e.str(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	e.errs = append(e.errs, fmt.Errorf("%s: %q must be one of %s", key, v, strings.Join(allowed, ", ")))
	return def
}
