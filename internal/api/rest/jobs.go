package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/job"
	"github.com/KevinKickass/OpenLaserCore/internal/types"
)

// POST /api/v1/jobs
// Accepts {"name": "...", "gcode": "..."} or a text/plain body with ?name=.
func (s *Server) startJob(c *gin.Context) {
	var (
		prog *job.Program
		err  error
	)
	if strings.HasPrefix(c.ContentType(), "text/") {
		prog, err = job.ParseProgram(c.DefaultQuery("name", "upload.nc"), c.Request.Body)
	} else {
		var req struct {
			Name  string `json:"name"`
			GCode string `json:"gcode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
		if req.Name == "" {
			req.Name = "upload.nc"
		}
		prog, err = job.ParseProgram(req.Name, strings.NewReader(req.GCode))
	}
	if err != nil {
		s.machineError(c, "Invalid program", err)
		return
	}

	if !s.lm.MachineController().IsConnected() {
		s.machineError(c, "Cannot start job", faults.ErrNotConnected)
		return
	}

	id, err := s.lm.Jobs().Start(prog)
	if err != nil {
		jobError(c, err)
		return
	}
	s.logger.Info("Job submitted",
		zap.String("job_id", id.String()),
		zap.String("name", prog.Name),
		zap.String("operator", auth.Operator(c)))

	st, _ := s.lm.Jobs().Current()
	c.JSON(http.StatusAccepted, st)
}

// GET /api/v1/jobs/current
func (s *Server) getJob(c *gin.Context) {
	st, ok := s.lm.Jobs().Current()
	if !ok {
		jobError(c, job.ErrNoJob)
		return
	}
	c.JSON(http.StatusOK, st)
}

// POST /api/v1/jobs/current/pause
func (s *Server) pauseJob(c *gin.Context) {
	if err := s.lm.Jobs().Pause(); err != nil {
		jobError(c, err)
		return
	}
	st, _ := s.lm.Jobs().Current()
	c.JSON(http.StatusAccepted, st)
}

// POST /api/v1/jobs/current/resume {"skip": false}
func (s *Server) resumeJob(c *gin.Context) {
	var req struct {
		Skip bool `json:"skip"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if err := s.lm.Jobs().Resume(req.Skip); err != nil {
		jobError(c, err)
		return
	}
	s.logger.Info("Job resumed", zap.Bool("skip", req.Skip), zap.String("operator", auth.Operator(c)))
	st, _ := s.lm.Jobs().Current()
	c.JSON(http.StatusOK, st)
}

// POST /api/v1/jobs/current/cancel
func (s *Server) cancelJob(c *gin.Context) {
	if err := s.lm.Jobs().Cancel(); err != nil {
		jobError(c, err)
		return
	}
	s.logger.Warn("Job cancelled", zap.String("operator", auth.Operator(c)))
	c.JSON(http.StatusAccepted, gin.H{"message": "Job cancellation requested"})
}

func jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, job.ErrNoJob):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("JOB_NOT_FOUND", "No active job", nil))
	case errors.Is(err, job.ErrBusy):
		c.JSON(http.StatusConflict, types.NewErrorResponse("JOB_BUSY", "A job is already running", nil))
	case errors.Is(err, job.ErrNotPaused):
		c.JSON(http.StatusConflict, types.NewErrorResponse("JOB_NOT_PAUSED", "Job is not paused", nil))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOB_500", "Job operation failed", err.Error()))
	}
}
