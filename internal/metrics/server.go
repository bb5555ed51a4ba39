package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource exposes live engine state to the operational endpoints.
// The loop agent implements this.
type StatusSource interface {
	Status() map[string]interface{}
	Pause()
	Resume()
}

// Server serves /metrics, /healthz, /status, /pause and /resume.
type Server struct {
	addr   string
	server *http.Server
	source StatusSource
	log    zerolog.Logger
}

// NewServer creates the operational HTTP server.
func NewServer(host string, port int, source StatusSource, log zerolog.Logger) *Server {
	return &Server{
		addr:   fmt.Sprintf("%s:%d", host, port),
		source: source,
		log:    log.With().Str("component", "ops_server").Logger(),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/status", func(c *gin.Context) {
		if s.source == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status source"})
			return
		}
		c.JSON(http.StatusOK, s.source.Status())
	})
	router.POST("/pause", func(c *gin.Context) {
		if s.source == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status source"})
			return
		}
		s.source.Pause()
		c.JSON(http.StatusOK, gin.H{"paused": true})
	})
	router.POST("/resume", func(c *gin.Context) {
		if s.source == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status source"})
			return
		}
		s.source.Resume()
		c.JSON(http.StatusOK, gin.H{"paused": false})
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting ops server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Ops server error")
		}
	}()

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
