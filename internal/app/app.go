// Package app builds the service graph from configuration. Entry points call
// New once and share the result.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"restaurant-rag/internal/budget"
	"restaurant-rag/internal/cache"
	"restaurant-rag/internal/config"
	"restaurant-rag/internal/conversation"
	"restaurant-rag/internal/domain"
	"restaurant-rag/internal/integrations/openai"
	"restaurant-rag/internal/integrations/paramstore"
	"restaurant-rag/internal/repository"
	"restaurant-rag/internal/retriever"
	"restaurant-rag/internal/safety"
	"restaurant-rag/internal/usecase"
	"restaurant-rag/internal/vectorstore"
)

// App holds the wired services.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Chat    *usecase.ChatService
	Tracker *budget.Tracker
	Vectors *vectorstore.PGVector

	closers []io.Closer
}

// NewLogger returns a slog logger writing to w. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New wires every component. AWS configuration is only loaded when a
// component needs it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &App{Config: cfg, Logger: logger}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	oai, err := newOpenAI(cfg, loadAWS)
	if err != nil {
		return nil, err
	}

	usage, err := newUsageStore(cfg, loadAWS)
	if err != nil {
		return nil, err
	}

	breaker, err := openai.NewBreaker(oai, openai.BreakerConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var estimator budget.Estimator = budget.HeuristicEstimator{}
	if enc, err := budget.NewTiktokenEstimator(); err != nil {
		logger.Warn("tiktoken unavailable, estimating by length", "err", err)
	} else {
		estimator = enc
	}

	tracker, err := budget.New(usage, breaker, budget.Config{
		Primary:     domain.ModelTier{Model: cfg.PrimaryModel, Budget: cfg.PrimaryBudget},
		Fallback:    domain.ModelTier{Model: cfg.FallbackModel, Budget: cfg.FallbackBudget},
		CallTimeout: cfg.ModelTimeout,
	}, budget.WithEstimator(estimator), budget.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Tracker = tracker

	kv, err := a.newCache(cfg, loadAWS)
	if err != nil {
		a.Close()
		return nil, err
	}
	conversations, err := conversation.NewStore(kv, cfg.ConversationTTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	db, err := vectorstore.Open(cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, db)
	vectors, err := vectorstore.New(db, oai, cfg.VectorTable)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Vectors = vectors

	ret, err := retriever.New(vectors, cfg.RetrievalK, cfg.RetrievalTimeout)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	filter := safety.NewFilter(
		safety.WithMaxLength(cfg.MaxMessageLength),
		safety.WithLimiter(safety.NewLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow)),
		safety.WithLogger(logger),
	)

	deps := usecase.Deps{
		Validator:     filter,
		LLM:           tracker,
		Conversations: conversations,
		Retriever:     ret,
		Documents:     vectors,
		Health: map[string]usecase.Pinger{
			"vector_store": vectors,
			"cache":        conversations,
		},
	}
	if cfg.ModerationEnabled {
		deps.Moderator = oai
	}
	chat, err := usecase.NewChatService(deps, usecase.Config{
		HistoryWindow: cfg.HistoryWindow,
		HistoryTail:   cfg.HistoryTail,
		RetrievalK:    cfg.RetrievalK,
		CacheTimeout:  cfg.CacheTimeout,
	}, usecase.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Chat = chat

	logger.Info("service wired",
		"primary_model", cfg.PrimaryModel,
		"fallback_model", cfg.FallbackModel,
		"usage_backend", cfg.UsageBackend,
		"cache_backend", cfg.CacheBackend,
		"moderation", cfg.ModerationEnabled,
	)
	return a, nil
}

// Close releases network resources.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type awsLoader func() (aws.Config, error)

func newOpenAI(cfg config.Config, loadAWS awsLoader) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.ParamPrefix != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), 0)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, openai.WithTokenSource(params, cfg.ParamPrefix))
	} else {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	}
	c, err := openai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return c, nil
}

func newUsageStore(cfg config.Config, loadAWS awsLoader) (budget.Store, error) {
	switch cfg.UsageBackend {
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		s, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.UsageTable, "")
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	case config.BackendFile, "":
		s, err := repository.NewFileStore(cfg.UsageFile)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown usage backend %q", cfg.UsageBackend)
	}
}

func (a *App) newCache(cfg config.Config, loadAWS awsLoader) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		c, err := cache.NewDynamoDB(awsdynamodb.NewFromConfig(awsCfg), cfg.CacheTable)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return c, nil
	case config.BackendRedis, "":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb)
		c, err := cache.NewRedis(rdb)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unknown cache backend %q", cfg.CacheBackend)
	}
}
