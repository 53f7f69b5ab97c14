package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().GetStatus())
}

// GET /api/v1/status/history?limit=50
func (s *Server) getHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, "Invalid limit", err)
		return
	}
	history := s.lm.MachineController().History(limit)
	c.JSON(http.StatusOK, gin.H{
		"samples": history,
		"count":   len(history),
	})
}

// GET /api/v1/status/analytics
func (s *Server) getAnalytics(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().Analytics())
}

// GET /api/v1/console?severity=error,warning&limit=100&hidden=true
func (s *Server) getConsole(c *gin.Context) {
	filter, err := consoleFilter(c)
	if err != nil {
		badRequest(c, "Invalid console filter", err)
		return
	}
	msgs := s.lm.MachineController().ConsoleMessages(filter)
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func consoleFilter(c *gin.Context) (console.Filter, error) {
	var f console.Filter
	if raw := c.Query("severity"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev, err := console.ParseSeverity(part)
			if err != nil {
				return f, err
			}
			f.Severities = append(f.Severities, sev)
		}
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	f.IncludeHidden = c.Query("hidden") == "true"
	return f, nil
}

// GET /api/v1/recovery
func (s *Server) getRecovery(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().Recovery())
}

// POST /api/v1/recovery/acknowledge
func (s *Server) acknowledgeRecovery(c *gin.Context) {
	ctrl := s.lm.MachineController()
	ctrl.AcknowledgeRecovery()
	s.logger.Info("Recovery acknowledged", zap.String("operator", auth.Operator(c)))
	c.JSON(http.StatusOK, ctrl.Recovery())
}

// POST /api/v1/connection/connect
func (s *Server) connect(c *gin.Context) {
	var req struct {
		Port string `json:"port"`
		Baud int    `json:"baud"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if sel := s.lm.Selection(); sel != nil {
		if req.Port == "" {
			req.Port = sel.Port
		}
		if req.Baud == 0 {
			req.Baud = sel.Baud
		}
	}

	ctrl := s.lm.MachineController()
	if err := ctrl.Connect(c.Request.Context(), req.Port, req.Baud); err != nil {
		s.machineError(c, "Connect failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connection": ctrl.ConnectionState(),
		"firmware":   ctrl.CurrentStatus().FirmwareVersion,
	})
}

// POST /api/v1/connection/disconnect
func (s *Server) disconnect(c *gin.Context) {
	ctrl := s.lm.MachineController()
	if err := ctrl.Disconnect(); err != nil {
		s.machineError(c, "Disconnect failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": ctrl.ConnectionState()})
}

type lineRequest struct {
	GCode string `json:"gcode" binding:"required"`
	// Line > 0 runs the command as a program line under recovery.
	Line int `json:"line"`
}

// POST /api/v1/commands/line
func (s *Server) sendLine(c *gin.Context) {
	var req lineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	ctrl := s.lm.MachineController()
	if req.Line > 0 {
		if err := ctrl.ExecuteLine(c.Request.Context(), req.Line, req.GCode); err != nil {
			s.machineError(c, "Line failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"line": req.Line, "result": "ok"})
		return
	}

	resp, err := ctrl.SendLine(c.Request.Context(), req.GCode)
	if err != nil {
		s.machineError(c, "Command failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   resp.Kind.String(),
		"response": resp.Raw,
	})
}

// POST /api/v1/commands/jog
func (s *Server) jog(c *gin.Context) {
	var req struct {
		Axis     string  `json:"axis" binding:"required"`
		Distance float64 `json:"distance" binding:"required"`
		Feed     float64 `json:"feed" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	axis, err := protocol.ParseAxis(req.Axis)
	if err != nil {
		s.machineError(c, "Invalid axis", err)
		return
	}
	if sel := s.lm.Selection(); sel != nil {
		if err := sel.Profile.CheckJog(axis, req.Distance, req.Feed); err != nil {
			s.machineError(c, "Jog outside machine limits", err)
			return
		}
	}

	if err := s.lm.MachineController().Jog(c.Request.Context(), axis, req.Distance, req.Feed); err != nil {
		s.machineError(c, "Jog failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "jog accepted"})
}

// POST /api/v1/commands/home
func (s *Server) home(c *gin.Context) {
	if err := s.lm.MachineController().Home(c.Request.Context()); err != nil {
		s.machineError(c, "Homing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "homing complete"})
}

// POST /api/v1/commands/override
func (s *Server) override(c *gin.Context) {
	var req struct {
		Kind  string `json:"kind" binding:"required,oneof=feed spindle"`
		Delta int    `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	pct, err := s.lm.MachineController().Override(c.Request.Context(), protocol.OverrideKind(req.Kind), req.Delta)
	if err != nil {
		s.machineError(c, "Override failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "percent": pct})
}

// POST /api/v1/commands/reset
func (s *Server) reset(c *gin.Context) {
	s.logger.Warn("Soft reset requested", zap.String("operator", auth.Operator(c)))
	if err := s.lm.MachineController().Reset(c.Request.Context()); err != nil {
		s.machineError(c, "Reset failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "controller reset"})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &strconv.NumError{Func: "Atoi", Num: raw, Err: strconv.ErrSyntax}
	}
	return n, nil
}
