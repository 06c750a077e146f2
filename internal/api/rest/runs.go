package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// GET /api/v1/runs?limit=N
func (s *Server) listRuns(c *gin.Context) {
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid limit", raw))
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.lm.Recorder().ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid run ID", err.Error()))
		return
	}

	run, err := s.lm.Recorder().GetRun(c.Request.Context(), runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("RUNS_404", "Run not found", runID.String()))
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	steps, err := s.lm.Recorder().GetRunSteps(c.Request.Context(), runID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":   run,
		"steps": steps,
	})
}
