package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"hopper/internal/cache"
	"hopper/internal/config"
	"hopper/internal/database"
	"hopper/internal/jobs"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// BusChecker reports whether the message bus is reachable
type BusChecker interface {
	Health() error
}

// Server is the HTTP front door: job registration, job polling and health
type Server struct {
	engine *gin.Engine
	http   *http.Server
	cfg    *config.Config
	jobs   *jobs.Service
	db     database.Database
	cache  cache.Cache
	store  HealthChecker
	bus    BusChecker
}

func New(cfg *config.Config, jobService *jobs.Service, db database.Database, cacheClient cache.Cache, store HealthChecker, bus BusChecker) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	engine.Use(cors.New(corsConfig(cfg.CORS)))

	s := &Server{
		engine: engine,
		cfg:    cfg,
		jobs:   jobService,
		db:     db,
		cache:  cacheClient,
		store:  store,
		bus:    bus,
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Run serves until the listener fails
func (s *Server) Run() error {
	log.Info().Int("port", s.cfg.Port).Str("env", s.cfg.Env).Msg("HTTP server starting")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	corsCfg := cors.DefaultConfig()

	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	if len(cfg.AllowedMethods) > 0 {
		corsCfg.AllowMethods = cfg.AllowedMethods
	}
	if len(cfg.AllowedHeaders) > 0 {
		corsCfg.AllowHeaders = cfg.AllowedHeaders
	}
	corsCfg.AllowCredentials = cfg.AllowCredentials
	if cfg.MaxAge > 0 {
		corsCfg.MaxAge = time.Duration(cfg.MaxAge) * time.Second
	}

	return corsCfg
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
