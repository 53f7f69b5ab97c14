package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger.Named("rest"),
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)
		v1.POST("/auth/token", s.exchangeToken)

		authed := v1.Group("")
		authed.Use(s.authService.AuthMiddleware())

		// ==================== STATUS (OPERATOR+) ====================
		reads := authed.Group("")
		reads.Use(auth.RequirePermission(auth.PermOperator))
		{
			reads.GET("/status", s.getStatus)
			reads.GET("/status/history", s.getHistory)
			reads.GET("/status/analytics", s.getAnalytics)
			reads.GET("/console", s.getConsole)
			reads.GET("/recovery", s.getRecovery)
			reads.GET("/profiles", s.listProfiles)
			reads.GET("/profiles/:name", s.getProfile)
			reads.GET("/journal/console", s.getJournalConsole)
			reads.GET("/journal/recovery", s.getJournalRecovery)
			reads.GET("/system/status", s.getSystemStatus)
		}

		// ==================== COMMANDS (OPERATOR+) ====================
		commands := authed.Group("/commands")
		commands.Use(auth.RequirePermission(auth.PermOperator))
		{
			commands.POST("/line", s.sendLine)
			commands.POST("/jog", s.jog)
			commands.POST("/home", s.home)
			commands.POST("/override", s.override)
			commands.POST("/reset", auth.RequirePermission(auth.PermTechnician), s.reset)
		}

		// ==================== JOBS (OPERATOR+) ====================
		jobs := authed.Group("/jobs")
		jobs.Use(auth.RequirePermission(auth.PermOperator))
		{
			jobs.POST("", s.startJob)
			jobs.GET("/current", s.getJob)
			jobs.POST("/current/pause", s.pauseJob)
			jobs.POST("/current/resume", s.resumeJob)
			jobs.POST("/current/cancel", s.cancelJob)
		}

		// ==================== CONNECTION & RECOVERY (TECHNICIAN+) ====================
		tech := authed.Group("")
		tech.Use(auth.RequirePermission(auth.PermTechnician))
		{
			tech.POST("/connection/connect", s.connect)
			tech.POST("/connection/disconnect", s.disconnect)
			tech.POST("/recovery/acknowledge", s.acknowledgeRecovery)
		}

		authed.POST("/system/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	ctrl := s.lm.MachineController()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"connected":  ctrl.IsConnected(),
		"connection": ctrl.ConnectionState(),
		"timestamp":  time.Now().Unix(),
	})
}
