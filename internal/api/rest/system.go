package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenLaserCore/internal/profiles"
	"github.com/KevinKickass/OpenLaserCore/internal/storage"
	"github.com/KevinKickass/OpenLaserCore/internal/types"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// Trigger shutdown in background; the request context ends with the reply
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.lm.Shutdown(ctx)
	}()
}

// GET /api/v1/profiles
func (s *Server) listProfiles(c *gin.Context) {
	active := ""
	if sel := s.lm.Selection(); sel != nil {
		active = sel.Profile.Name
	}
	c.JSON(http.StatusOK, gin.H{
		"profiles": s.lm.Profiles().List(),
		"active":   active,
	})
}

// GET /api/v1/profiles/:name
func (s *Server) getProfile(c *gin.Context) {
	profile, err := s.lm.Profiles().Load(c.Param("name"))
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse("PROFILE_404", "Profile not found", err.Error()))
			return
		}
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("PROFILE_422", "Profile invalid", err.Error()))
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) journal(c *gin.Context) *storage.PostgresClient {
	db := s.lm.Storage()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_503", "Journal not enabled", nil))
	}
	return db
}

// GET /api/v1/journal/console?since=2024-01-01T00:00:00Z&severity=error&limit=500
func (s *Server) getJournalConsole(c *gin.Context) {
	db := s.journal(c)
	if db == nil {
		return
	}

	var q storage.MessageQuery
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "Invalid since", err)
			return
		}
		q.Since = since
	}
	filter, err := consoleFilter(c)
	if err != nil {
		badRequest(c, "Invalid console filter", err)
		return
	}
	for _, sev := range filter.Severities {
		q.Severities = append(q.Severities, string(sev))
	}
	q.Limit = filter.Limit

	msgs, err := db.ListMessages(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to read journal", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// GET /api/v1/journal/recovery?limit=100
func (s *Server) getJournalRecovery(c *gin.Context) {
	db := s.journal(c)
	if db == nil {
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		badRequest(c, "Invalid limit", err)
		return
	}

	actions, err := db.ListActions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to read journal", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}
