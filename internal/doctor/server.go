package doctor

import (
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"franklab/internal/types"
)

// Server is the Doctor's HTTP surface.
type Server struct {
	svc    *Service
	engine *gin.Engine
	start  time.Time
}

// NewServer wires the routes. Every endpoint except /health sits behind
// the sliding-window rate limit.
func NewServer(svc *Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		svc:    svc,
		engine: gin.New(),
		start:  time.Now(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(corsMiddleware(svc.cfg.AllowedOrigins))

	limiter := newRateLimiter(svc.cfg.RateLimitMaxRequests, svc.cfg.RateLimitWindow())
	limited := s.engine.Group("/", limiter.middleware())

	s.engine.GET("/health", s.handleHealth)
	limited.GET("/plans", s.handleListPlans)
	limited.GET("/plan/:id", s.handleGetPlan)
	limited.GET("/igors", s.handleIgors)
	limited.GET("/branches", s.handleListBranches)
	limited.GET("/branches/:id", s.handleGetBranch)
	limited.GET("/frank", s.handleFrankStatus)
	limited.POST("/plan", s.handleSubmitPlan)
	limited.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		svc.metrics.registry, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         Version,
		"uptime":          time.Since(s.start).String(),
		"pid":             os.Getpid(),
		"bridgeConnected": s.svc.BusConnected(),
		"planLimits": gin.H{
			"active": s.svc.store.ActiveCount(),
			"max":    s.svc.cfg.MaxActivePlans,
		},
		"reconnection": gin.H{
			"connected": s.svc.BusConnected(),
		},
		"experience": gin.H{
			"dir": s.svc.cfg.ExperienceDir,
		},
		"igors": s.svc.igors.Summary(),
	})
}

func (s *Server) handleListPlans(c *gin.Context) {
	states := s.svc.store.List()
	out := make([]gin.H, 0, len(states))
	for _, ps := range states {
		out = append(out, gin.H{
			"id":          ps.Plan.ID,
			"intent":      ps.Plan.Intent,
			"status":      ps.Status,
			"currentStep": ps.CurrentStep,
			"totalSteps":  len(ps.Plan.Steps),
			"errors":      ps.Errors,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	ps, ok := s.svc.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown plan"})
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) handleIgors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"summary":   s.svc.igors.Summary(),
		"instances": s.svc.igors.Snapshot(),
	})
}

func (s *Server) handleListBranches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"branches": s.svc.store.ListBranches()})
}

func (s *Server) handleGetBranch(c *gin.Context) {
	bp, ok := s.svc.store.GetBranch(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown branching plan"})
		return
	}
	c.JSON(http.StatusOK, bp)
}

func (s *Server) handleFrankStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"toolCreation":    s.svc.tracker.Stats(),
		"failurePatterns": s.svc.tracker.Patterns(),
		"pendingRequests": s.svc.tracker.Pending(),
	})
}

type submitRequest struct {
	Intent         string `json:"intent" binding:"required"`
	URL            string `json:"url"`
	ForceBranching bool   `json:"forceBranching"`
}

func (s *Server) handleSubmitPlan(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.svc.SubmitIntent(c.Request.Context(), req.Intent, req.URL, req.ForceBranching)
	if err != nil {
		status := http.StatusBadRequest
		if types.KindOf(err) == types.KindOverload {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error(), "kind": types.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// rateLimiter is a per-client sliding window: at most max requests per
// window, keyed by client IP.
type rateLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	clients map[string][]time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:     max,
		window:  window,
		clients: make(map[string][]time.Time),
	}
}

// allow records one hit for key and reports whether it fits in the window.
// On rejection it also returns how long until the oldest hit expires.
func (r *rateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	hits := r.clients[key]
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	if len(kept) >= r.max {
		r.clients[key] = kept
		return false, kept[0].Sub(cutoff)
	}
	r.clients[key] = append(kept, now)
	return true, 0
}

func (r *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := r.allow(c.ClientIP(), time.Now())
		if !ok {
			seconds := int(retryAfter/time.Second) + 1
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  types.KindOverload,
			})
			return
		}
		c.Next()
	}
}

// corsMiddleware allows the configured origins. An empty allowlist
// disables cross-origin access entirely.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
