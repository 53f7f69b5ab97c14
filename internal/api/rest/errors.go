package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/types"
)

// statusFor maps a controller error to an HTTP status and envelope code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, faults.ErrNotConnected):
		return http.StatusConflict, "MACHINE_NOT_CONNECTED"
	case errors.Is(err, faults.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "MACHINE_TIMEOUT"
	}

	switch faults.KindOf(err) {
	case faults.KindInvalidParameter:
		return http.StatusBadRequest, "MACHINE_INVALID_PARAMETER"
	case faults.KindCommand:
		return http.StatusUnprocessableEntity, "MACHINE_COMMAND_REJECTED"
	case faults.KindCritical:
		return http.StatusConflict, "MACHINE_CRITICAL"
	case faults.KindRecoveryExhausted:
		return http.StatusConflict, "MACHINE_RECOVERY_EXHAUSTED"
	case faults.KindTransport:
		return http.StatusServiceUnavailable, "MACHINE_TRANSPORT"
	case faults.KindProtocol:
		return http.StatusBadGateway, "MACHINE_PROTOCOL"
	}
	return http.StatusInternalServerError, "MACHINE_500"
}

func (s *Server) machineError(c *gin.Context, message string, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, types.NewFaultResponse(code, message, faults.KindOf(err).String(), err))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", message, err.Error()))
}
