package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScopeCore/internal/auth"
	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maximum accepted protocol document size
const maxDocumentBytes = 1 << 20

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	cfg         *config.Config
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:      router,
		lm:          lm,
		cfg:         cfg,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /ws/live connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)

		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)
		v1.GET("/auth/me", s.authService.AuthMiddleware(), s.getCurrentUser)

		// ==================== TASK (OPERATOR+) ====================
		task := v1.Group("/task")
		task.Use(s.authService.AuthMiddleware())
		task.Use(auth.RequirePermission(auth.PermOperator))
		{
			task.GET("/status", s.getTaskStatus)
			task.POST("/start", s.startTask)
			task.POST("/command", s.executeTaskCommand)
		}

		// ==================== PROTOCOLS (OPERATOR+) ====================
		protocols := v1.Group("/protocols")
		protocols.Use(s.authService.AuthMiddleware())
		protocols.Use(auth.RequirePermission(auth.PermOperator))
		{
			protocols.POST("/validate", s.validateProtocol)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		devices.Use(s.authService.AuthMiddleware())
		{
			// Read operations: Operator+
			devices.GET("", auth.RequirePermission(auth.PermOperator), s.listDevices)

			// Manual writes: Technician+
			devices.POST("/valves/:id/position", auth.RequirePermission(auth.PermTechnician), s.setValvePosition)
			devices.POST("/flow/pressure", auth.RequirePermission(auth.PermTechnician), s.setPressure)
		}

		// ==================== RUN HISTORY (OPERATOR+) ====================
		runs := v1.Group("/runs")
		runs.Use(s.authService.AuthMiddleware())
		runs.Use(auth.RequirePermission(auth.PermOperator))
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

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
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
