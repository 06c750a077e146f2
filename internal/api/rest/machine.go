package rest

import (
	"io"
	"net/http"

	"github.com/KevinKickass/OpenScopeCore/internal/auth"
	"github.com/KevinKickass/OpenScopeCore/internal/machine"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/task/status
func (s *Server) getTaskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().GetStatus())
}

// POST /api/v1/task/start
// The body is the protocol document; Content-Type selects JSON, anything else is YAML.
func (s *Server) startTask(c *gin.Context) {
	doc, ok := s.readDocument(c)
	if !ok {
		return
	}
	format := protocol.FormatFromContentType(c.ContentType())

	runID, err := s.lm.MachineController().Start(c.Request.Context(), doc, format)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Task started via API",
		zap.String("run_id", runID.String()),
		zap.String("operator", auth.GetUsername(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"status": s.lm.MachineController().GetStatus(),
	})
}

// POST /api/v1/task/command
func (s *Server) executeTaskCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("TASK_400", "Invalid request body", err.Error()))
		return
	}

	cmd, err := machine.ParseCommand(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("TASK_400", "Unknown command", err.Error()))
		return
	}

	if err := s.lm.MachineController().ExecuteCommand(c.Request.Context(), cmd); err != nil {
		s.logger.Warn("Task command rejected",
			zap.String("command", req.Command),
			zap.Error(err))
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": cmd,
		"status":  s.lm.MachineController().GetStatus(),
	})
}

func (s *Server) readDocument(c *gin.Context) ([]byte, bool) {
	doc, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, types.NewErrorResponse("PROTOCOL_413", "Protocol document too large", err.Error()))
		return nil, false
	}
	if len(doc) == 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PROTOCOL_400", "Empty protocol document", nil))
		return nil, false
	}
	return doc, true
}
