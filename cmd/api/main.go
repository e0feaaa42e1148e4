package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/feed"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/keys"
	"rollcall/internal/metrics"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	sessions := session.NewRepository(db.Client)
	members := roster.NewRepository(db.Client)

	keyStore := keys.NewRedisStore(redisClient.Client, "rollcall:key")
	rotator := keys.NewRotator(keyStore, cfg.KeyRotationInterval, cfg.KeyTTL)
	defer rotator.StopAll()

	engine := session.NewEngine(sessions, members, rotator)
	defer engine.Scheduler().StopAll()

	liveFeed := feed.New(sessions, cfg.FeedPollInterval)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Identity bootstrap. User management proper lives outside this service;
	// this endpoint just mints a token for a known principal.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=teacher student"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": token.Value,
			"expires_at":   token.ExpiresAt.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/classes", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		class, err := members.CreateClass(c.Request.Context(), req.Name, auth.UserID(c))
		if err != nil {
			internalError(c, "create class", err)
			return
		}
		c.JSON(http.StatusCreated, class)
	})

	authGroup.POST("/classes/:classId/enroll", func(c *gin.Context) {
		classID := c.Param("classId")
		exists, err := members.ClassExists(c.Request.Context(), classID)
		if err != nil {
			internalError(c, "enroll", err)
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
			return
		}
		if err := members.Enroll(c.Request.Context(), classID, auth.UserID(c)); err != nil {
			if errors.Is(err, roster.ErrAlreadyEnrolled) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			internalError(c, "enroll", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"class_id": classID, "status": roster.EnrollmentActive})
	})

	// StartSession
	authGroup.POST("/classes/:classId/attendance", func(c *gin.Context) {
		var req struct {
			Lat             *float64 `json:"lat" binding:"required"`
			Lon             *float64 `json:"lon" binding:"required"`
			RadiusM         float64  `json:"radius_m"`
			DurationSeconds int      `json:"duration_seconds" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := engine.Start(c.Request.Context(), c.Param("classId"), auth.UserID(c),
			*req.Lat, *req.Lon, req.RadiusM, time.Duration(req.DurationSeconds)*time.Second)
		if err != nil {
			engineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": s.ID, "end_time": s.EndTime})
	})

	// ExtendSession
	authGroup.POST("/classes/:classId/attendance/extend", func(c *gin.Context) {
		var req struct {
			SessionID         string `json:"session_id" binding:"required"`
			AdditionalSeconds int    `json:"additional_seconds" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := engine.Extend(c.Request.Context(), req.SessionID, auth.UserID(c),
			c.Param("classId"), time.Duration(req.AdditionalSeconds)*time.Second)
		if err != nil {
			engineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "new_end_time": s.EndTime})
	})

	// MarkAttendance
	authGroup.POST("/classes/:classId/attendance/mark", func(c *gin.Context) {
		var req struct {
			SessionID string   `json:"session_id" binding:"required"`
			Lat       *float64 `json:"lat" binding:"required"`
			Lon       *float64 `json:"lon" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a, err := engine.Mark(c.Request.Context(), req.SessionID, auth.UserID(c),
			c.Param("classId"), *req.Lat, *req.Lon)
		if err != nil {
			engineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"distance_m": a.DistanceM, "marked_at": a.MarkedAt})
	})

	// EndSession
	authGroup.DELETE("/classes/:classId/attendance", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := engine.End(c.Request.Context(), req.SessionID, auth.UserID(c), c.Param("classId")); err != nil {
			engineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "attendance session ended"})
	})

	// GetStatus
	authGroup.GET("/classes/:classId/attendance", func(c *gin.Context) {
		info, err := engine.Status(c.Request.Context(), c.Param("classId"), auth.UserID(c))
		if err != nil {
			engineError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	// Attendance history (completed sessions, creator only)
	authGroup.GET("/classes/:classId/attendance/history", func(c *gin.Context) {
		sessions, err := engine.History(c.Request.Context(), c.Param("classId"), auth.UserID(c))
		if err != nil {
			engineError(c, err)
			return
		}
		if sessions == nil {
			sessions = []session.Summary{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	// GetCurrentKey — the value shown on the instructor display and typed
	// back by students as a best-effort pre-check before marking.
	authGroup.GET("/classes/:classId/attendance/key", func(c *gin.Context) {
		classID := c.Param("classId")
		if !classMember(c, members, classID) {
			return
		}
		key, err := rotator.CurrentKey(c.Request.Context(), classID)
		if err != nil {
			if errors.Is(err, keys.ErrNoKey) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no key found for this class"})
				return
			}
			internalError(c, "current key", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key})
	})

	// SubscribeLiveAttendance — SSE stream of attendee-list changes.
	authGroup.GET("/classes/:classId/attendance/stream", func(c *gin.Context) {
		classID := c.Param("classId")
		if !classMember(c, members, classID) {
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		updates := liveFeed.Subscribe(c.Request.Context(), classID)
		c.Stream(func(w io.Writer) bool {
			snap, ok := <-updates
			if !ok {
				return false
			}
			c.SSEvent("message", snap)
			return true
		})
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE connections outlive any fixed write deadline.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// classMember enforces that the requester is the class creator or an
// actively enrolled student, writing the response on failure.
func classMember(c *gin.Context, members *roster.Repository, classID string) bool {
	userID := auth.UserID(c)
	creator, err := members.IsClassCreator(c.Request.Context(), classID, userID)
	if err != nil {
		internalError(c, "membership check", err)
		return false
	}
	if creator {
		return true
	}
	enrolled, err := members.IsActivelyEnrolled(c.Request.Context(), classID, userID)
	if err != nil {
		internalError(c, "membership check", err)
		return false
	}
	if !enrolled {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this class"})
		return false
	}
	return true
}

// engineError maps the engine's error taxonomy onto HTTP responses.
func engineError(c *gin.Context, err error) {
	var tooFar *session.TooFarError
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotEnrolled):
		metrics.MarksRejected.WithLabelValues("not_enrolled").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrActiveSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrAlreadyMarked):
		metrics.MarksRejected.WithLabelValues("already_marked").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoActiveSession):
		metrics.MarksRejected.WithLabelValues("no_active_session").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &tooFar):
		metrics.MarksRejected.WithLabelValues("too_far").Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "you are too far from the class location",
			"distance_m": tooFar.DistanceM,
			"radius_m":   tooFar.RadiusM,
		})
	default:
		internalError(c, "attendance", err)
	}
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("%s failed: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
