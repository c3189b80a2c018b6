// Package server exposes a small HTTP companion API next to the Telegram
// transport: health, metadata resolution, and cache administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

type referenceResolver interface {
	Resolve(ctx context.Context, reference string) (domain.TrackKey, domain.TrackMetadata, error)
}

type artifactCache interface {
	Records(ctx context.Context) ([]cache.Record, error)
	TotalBytes(ctx context.Context) (int64, error)
	Purge(ctx context.Context, key domain.TrackKey) error
}

// Server handles HTTP requests for the track bot.
type Server struct {
	resolver referenceResolver
	cache    artifactCache
	router   *gin.Engine
}

// New creates a new HTTP server instance.
func New(resolver referenceResolver, artifacts artifactCache) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		resolver: resolver,
		cache:    artifacts,
		router:   router,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.Use(requestID())

	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api")
	{
		api.POST("/resolve", s.resolve)
		api.GET("/cache/records", s.listRecords)
		api.DELETE("/cache/records/:key", s.purgeRecord)
	}
}

// requestID tags every request with an ID for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("requestID", id)
		c.Next()
	}
}

// Start starts the HTTP server.
func (s *Server) Start(port string) error {
	return s.router.Run(":" + port)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "spotify-track-bot",
	})
}

// ResolveRequest carries the track reference to resolve.
type ResolveRequest struct {
	URL string `json:"url" binding:"required"`
}

// ResolveResponse is the resolved metadata plus cache state.
type ResolveResponse struct {
	Key      domain.TrackKey      `json:"key"`
	Metadata domain.TrackMetadata `json:"metadata"`
	Cached   bool                 `json:"cached"`
}

func (s *Server) resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	key, meta, err := s.resolver.Resolve(c.Request.Context(), req.URL)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrInvalidReference):
			status = http.StatusBadRequest
		case errors.Is(err, domain.ErrUpstreamUnavailable):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	cached, err := s.isCached(c.Request.Context(), key)
	if err != nil {
		slog.Error("failed to check cache state", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache unavailable"})
		return
	}

	c.JSON(http.StatusOK, ResolveResponse{Key: key, Metadata: meta, Cached: cached})
}

// isCached checks presence without refreshing the record's access time.
func (s *Server) isCached(ctx context.Context, key domain.TrackKey) (bool, error) {
	records, err := s.cache.Records(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Key == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) listRecords(c *gin.Context) {
	records, err := s.cache.Records(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	total, err := s.cache.TotalBytes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    records,
		"count":      len(records),
		"totalBytes": total,
	})
}

func (s *Server) purgeRecord(c *gin.Context) {
	key := domain.TrackKey(c.Param("key"))

	err := s.cache.Purge(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "record purged", "key": key})
	case errors.Is(err, cache.ErrMiss):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no record for key %s", key)})
	case errors.Is(err, cache.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("record %s is being delivered", key)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
