package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenScopeCore/internal/task/engine"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps the error taxonomy onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		validationErr *types.ValidationError
		safetyErr     *types.SafetyViolation
		stateErr      *engine.StateError
		deviceErr     *types.DeviceCommError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity,
			types.NewErrorResponse("VALIDATION_FAILED", "Protocol validation failed", validationErr.Issues))

	case errors.As(err, &safetyErr):
		c.JSON(http.StatusConflict,
			types.NewErrorResponse("SAFETY_VIOLATION", safetyErr.Reason, nil))

	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict,
			types.NewErrorResponse("INVALID_STATE", stateErr.Error(), gin.H{
				"command": stateErr.Command,
				"state":   stateErr.State,
			}))

	case errors.As(err, &deviceErr):
		s.logger.Error("Device error", zap.Error(err))
		c.JSON(http.StatusBadGateway,
			types.NewErrorResponse("DEVICE_"+string(deviceErr.Code), deviceErr.Error(), gin.H{
				"device": deviceErr.Device,
				"op":     deviceErr.Op,
			}))

	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			types.NewErrorResponse("INTERNAL_ERROR", "Internal error", err.Error()))
	}
}
