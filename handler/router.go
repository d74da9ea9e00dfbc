package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"restaurant-rag/internal/domain"
	"restaurant-rag/internal/usecase"
)

const correlationKey = "correlation_id"

// NewRouter registers every HTTP route on a new gin engine.
func NewRouter(svc Service, logger *slog.Logger) (*gin.Engine, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), withCorrelation(logger))

	router.POST("/conversations", handleStart(svc))
	router.POST("/conversations/:id/messages", handleMessage(svc))
	router.DELETE("/conversations/:id", handleEnd(svc))
	router.GET("/usage", handleUsage(svc))

	router.POST("/query", handleQuery(svc))
	router.GET("/health", handleHealth(svc))
	router.POST("/embeddings", handleAddEmbedding(svc))
	router.GET("/embeddings/search", handleSearch(svc))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{
			Error:   string(usecase.ErrorNotFound),
			Reason:  "route_not_found",
			Message: "No such endpoint.",
		})
	})
	return router, nil
}

// withCorrelation echoes or assigns X-Correlation-Id and logs each request
// once it completes.
func withCorrelation(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := correlationID(map[string]string{correlationHeader: c.GetHeader(correlationHeader)})
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)

		start := time.Now()
		c.Next()

		l := logger.With(
			"correlation_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if len(c.Errors) > 0 {
			logError(l, c.Writer.Status(), c.Errors.Last().Err)
			return
		}
		l.Info("request handled")
	}
}

func abort(c *gin.Context, err error) {
	status, body := mapError(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func handleStart(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := svc.Start(c.Request.Context())
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, startResponse{ConversationID: id})
	}
}

func handleMessage(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in messageRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, invalidBody())
			return
		}
		out, err := svc.PostMessage(c.Request.Context(), usecase.ChatInput{
			ConversationID: c.Param("id"),
			Message:        in.Message,
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, toMessageResponse(out))
	}
}

func handleEnd(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.End(c.Request.Context(), c.Param("id")); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, endResponse{Status: "ended"})
	}
}

func handleUsage(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Usage(c.Request.Context())
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func handleQuery(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in queryRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, invalidBody())
			return
		}
		out, err := svc.Query(c.Request.Context(), usecase.QueryInput{Query: in.Query, Limit: in.Limit})
		if err != nil {
			abort(c, err)
			return
		}
		sources := out.Sources
		if sources == nil {
			sources = []usecase.Source{}
		}
		c.JSON(http.StatusOK, queryResponse{Answer: out.Answer, Sources: sources})
	}
}

func handleHealth(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := svc.Health(c.Request.Context())
		if !report.Healthy {
			c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Services: report.Services})
			return
		}
		c.JSON(http.StatusOK, healthResponse{Status: "healthy", Services: report.Services})
	}
}

func handleAddEmbedding(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in embeddingRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, invalidBody())
			return
		}
		id, err := svc.AddDocument(c.Request.Context(), in.Content, in.Metadata)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, embeddingResponse{ID: id, Status: "stored"})
	}
}

func handleSearch(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := 0
		if raw := c.Query("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
					Error:   string(usecase.ErrorInvalidInput),
					Reason:  "invalid_k",
					Message: "k must be a number.",
				})
				return
			}
			k = n
		}
		docs, err := svc.SearchDocuments(c.Request.Context(), c.Query("query"), k)
		if err != nil {
			abort(c, err)
			return
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		c.JSON(http.StatusOK, searchResponse{Results: docs})
	}
}
