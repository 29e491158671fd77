package frank

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"franklab/internal/bus"
)

// Server is Frank's HTTP surface: health plus tool CRUD.
type Server struct {
	svc    *Service
	engine *gin.Engine
	start  time.Time
}

// NewServer wires the routes.
func NewServer(svc *Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		svc:    svc,
		engine: gin.New(),
		start:  time.Now(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/tools", s.handleListTools)
	s.engine.GET("/tools/igorify-candidates", s.handleCandidates)
	s.engine.POST("/tools", s.handleCreateTool)
	s.engine.POST("/tools/:id/invoke", s.handleInvokeTool)
	s.engine.POST("/tools/:id/export", s.handleExportTool)
	s.engine.DELETE("/tools/:id", s.handleDeleteTool)
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"version":      Version,
		"pid":          PID(),
		"uptime":       time.Since(s.start).String(),
		"busConnected": s.svc.BusConnected(),
		"sessions":     s.svc.browsers.SessionCount(),
		"tools":        len(s.svc.registry.List()),
	})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.svc.registry.List()})
}

func (s *Server) handleCandidates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"candidates": s.svc.registry.IgorifyCandidates()})
}

func (s *Server) handleCreateTool(c *gin.Context) {
	var spec bus.ToolCreatePayload
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := s.svc.registry.Create(spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleInvokeTool(c *gin.Context) {
	var params map[string]any
	if err := c.ShouldBindJSON(&params); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, elapsed, err := s.svc.registry.Invoke(c.Request.Context(), c.Param("id"), params, "", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "durationMs": elapsed.Milliseconds()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "durationMs": elapsed.Milliseconds()})
}

func (s *Server) handleExportTool(c *gin.Context) {
	artifact, err := s.svc.registry.Export(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleDeleteTool(c *gin.Context) {
	if err := s.svc.registry.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}
