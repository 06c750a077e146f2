package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenScopeCore/internal/auth"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	status := s.lm.DeviceManager().Describe()
	c.JSON(http.StatusOK, gin.H{
		"devices":   status.Devices,
		"count":     len(status.Devices),
		"leased_by": status.LeasedBy,
		"leased_at": status.LeasedAt,
	})
}

// POST /api/v1/devices/valves/:id/position
// Rejected with 409 while a run holds the devices.
func (s *Server) setValvePosition(c *gin.Context) {
	var req struct {
		Position *int `json:"position" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	valveID := c.Param("id")
	err := s.lm.DeviceManager().SetValve(c.Request.Context(), valveID, *req.Position, s.cfg.Engine.ValveIdleTimeout)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Manual valve move via API",
		zap.String("valve", valveID),
		zap.Int("position", *req.Position),
		zap.String("operator", auth.GetUsername(c)))

	c.JSON(http.StatusOK, gin.H{
		"valve":    valveID,
		"position": *req.Position,
	})
}

// POST /api/v1/devices/flow/pressure
func (s *Server) setPressure(c *gin.Context) {
	var req struct {
		Mbar *float64 `json:"mbar" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.DeviceManager().SetPressure(c.Request.Context(), *req.Mbar); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Manual pressure via API",
		zap.Float64("mbar", *req.Mbar),
		zap.String("operator", auth.GetUsername(c)))

	c.JSON(http.StatusOK, gin.H{"mbar": *req.Mbar})
}
