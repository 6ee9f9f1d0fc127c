package server

import (
	"errors"
	"net/http"

	"hopper/internal/database"
	"hopper/internal/jobs"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// createJob registers a job and hands back the presigned upload slot
func (s *Server) createJob(c *gin.Context) {
	var req jobs.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.jobs.Create(c.Request.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("owner", req.OwnerID).Msg("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// getJob returns the live job record for client-side progress polling. A
// job that no longer exists reads as completed: success deletes the record.
func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")

	job, err := s.jobs.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusOK, gin.H{
				"id":       id,
				"status":   "completed",
				"progress": 100,
			})
			return
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// health reports the reachability of every dependency
func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	checks := gin.H{}

	if err := s.db.Health(ctx); err != nil {
		checks["mongodb"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["mongodb"] = "ok"
	}

	if err := s.cache.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["redis"] = "ok"
	}

	if err := s.store.Health(ctx); err != nil {
		checks["s3"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["s3"] = "ok"
	}

	if err := s.bus.Health(); err != nil {
		checks["rabbitmq"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["rabbitmq"] = "ok"
	}

	c.JSON(status, checks)
}
