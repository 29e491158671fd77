package bridge

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServerOptions configures the Bridge HTTP surface.
type ServerOptions struct {
	ScreenshotsDir string
	Logger         *zap.Logger
}

// Server exposes the Bridge over HTTP: the websocket bus endpoint, health,
// screenshot ingestion, and the event log.
type Server struct {
	hub    *Hub
	opts   ServerOptions
	log    *zap.Logger
	engine *gin.Engine
	start  time.Time
}

// NewServer wires the routes.
func NewServer(hub *Hub, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		hub:    hub,
		opts:   opts,
		log:    opts.Logger.Named("http"),
		engine: gin.New(),
		start:  time.Now(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/bus", s.handleBus)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/events", s.handleEvents)
	s.engine.POST("/screenshots", s.handleScreenshot)
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleBus(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // components authenticate via the register token
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	// Blocks until the component disconnects.
	s.hub.HandleConnection(c.Request.Context(), ws)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.start).String(),
		"eventLog":   s.hub.events.Size(),
		"components": s.hub.Health(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.hub.Events(limit)})
}

type screenshotRequest struct {
	Base64        string `json:"base64" binding:"required"`
	PlanID        string `json:"planId"`
	StepIndex     *int   `json:"stepIndex"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleScreenshot(c *gin.Context) {
	var req screenshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 image"})
		return
	}

	dir := s.opts.ScreenshotsDir
	if req.PlanID != "" {
		dir = filepath.Join(dir, req.PlanID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	name := fmt.Sprintf("%d", time.Now().UnixMilli())
	if req.StepIndex != nil {
		name = fmt.Sprintf("step-%03d-%s", *req.StepIndex, name)
	}
	if req.CorrelationID != "" {
		name = name + "-" + req.CorrelationID
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "bytes": len(data)})
}
