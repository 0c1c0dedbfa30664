// Package server provides the optional read-only status API.
// It serves the stored telemetry history over Gin:
//
//	Public:          POST /api/login, GET /api/health
//	Protected (JWT): GET /api/devices, /api/devices/:id/history, /api/alerts
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oselab/gpumon/internal/config"
	"github.com/oselab/gpumon/internal/store"
)

// Server exposes the snapshot store over HTTP. All routes are read-only;
// the monitor loop remains the sole writer.
type Server struct {
	store *store.Store
	cfg   config.APIConfig
}

// New builds a status API server over the given store.
func New(st *store.Store, cfg config.APIConfig) *Server {
	return &Server{store: st, cfg: cfg}
}

// Engine builds the configured Gin engine.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	auth := api.Group("/", s.jwtMiddleware())
	{
		auth.GET("/devices", s.handleDevices)
		auth.GET("/devices/:id/history", s.handleDeviceHistory)
		auth.GET("/alerts", s.handleAlerts)
	}

	return r
}

// handleLogin accepts username + password and returns a signed JWT.
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if body.Username != s.cfg.AdminUser || body.Password != s.cfg.AdminPass {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.generateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": 86400, // seconds
		"type":       "Bearer",
	})
}

// handleDevices returns the latest snapshot per device.
func (s *Server) handleDevices(c *gin.Context) {
	snaps, err := s.store.LatestDeviceSnapshots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snaps})
}

// handleDeviceHistory returns a device's snapshot rows from the last N
// minutes (default 60).
func (s *Server) handleDeviceHistory(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	minutes := 60
	if raw := c.Query("minutes"); raw != "" {
		minutes, err = strconv.Atoi(raw)
		if err != nil || minutes < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minutes"})
			return
		}
	}

	snaps, err := s.store.DeviceHistory(id, time.Now().Add(-time.Duration(minutes)*time.Minute))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snaps})
}

// handleAlerts returns recent idle-alert audit records.
func (s *Server) handleAlerts(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	recs, err := s.store.RecentAlerts(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": recs})
}
