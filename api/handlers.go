package api

import (
	"bytes"
	"errors"
	"image/jpeg"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"svr-ingest/database"
	"svr-ingest/recording"
)

const defaultChunkLimit = 100

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": len(s.sources.Running()),
	})
}

func (s *Server) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.sources.Running()})
}

func (s *Server) addSource(c *gin.Context) {
	var src database.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if src.ID == "" || src.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and url are required"})
		return
	}

	if s.local != nil {
		if err := s.local.UpsertSource(c.Request.Context(), src); err != nil {
			s.logger.Error().Err(err).Str("source_id", src.ID).Msg("failed to store source")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store source"})
			return
		}
	}

	if err := s.sources.Add(src); err != nil {
		switch {
		case errors.Is(err, recording.ErrInvalidSource):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, recording.ErrSchedulerClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": src.ID, "running": true})
}

func (s *Server) removeSource(c *gin.Context) {
	id := c.Param("id")
	wasRunning := s.sources.IsRunning(id)
	s.sources.Remove(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "removed": wasRunning})
}

func (s *Server) restart(c *gin.Context) {
	if err := s.sources.Restart(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("restart failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": s.sources.Running()})
}

func (s *Server) latestFrame(c *gin.Context) {
	img, ok := s.sources.LatestFrame(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame available"})
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode frame"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

func (s *Server) listChunks(c *gin.Context) {
	if s.local == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "chunk listing requires the sqlite metadata backend"})
		return
	}
	sourceID := c.Query("source_id")
	if sourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id is required"})
		return
	}
	limit := defaultChunkLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	list, err := s.local.ListChunks(c.Request.Context(), sourceID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("source_id", sourceID).Msg("failed to list chunks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chunks"})
		return
	}
	if list == nil {
		list = []database.Chunk{}
	}
	c.JSON(http.StatusOK, gin.H{"chunks": list})
}
