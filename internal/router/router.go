package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/handler"
	"github.com/khatwa/khatwa-backend/internal/middleware"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/monitoring"
	"github.com/khatwa/khatwa-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth        *handler.AuthHandler
	ExamSession *handler.ExamSessionHandler
	Storage     *handler.StorageHandler
	WS          *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// An empty AllowedOrigins allows all origins so dev works without
	// extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(monitoring.MetricsMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", monitoring.PrometheusHandler())

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	loginLimiter := middleware.NewRateLimiter(30, time.Minute)

	authAPI := router.Group("/api/v1/auth")
	{
		authAPI.POST("/login", loginLimiter.Middleware(), handlers.Auth.Login)
		authAPI.GET("/me", middleware.RequireAuth(auth), middleware.NoStore(), handlers.Auth.Me)
	}

	// ─── 2. Student Exam Group (JWT + student role) ────────────────────
	examAPI := router.Group("/api/v1/student/exams/:exam_id")
	examAPI.Use(
		middleware.RequireAuth(auth),
		middleware.RequireRole(model.RoleStudent),
		middleware.NoStore(),
	)
	{
		examAPI.GET("/paper", middleware.PrivateCache(300), handlers.ExamSession.GetPaper)
		examAPI.POST("/start", handlers.ExamSession.Start)
		examAPI.GET("/state", handlers.ExamSession.GetState)
		examAPI.PUT("/answers", handlers.ExamSession.SelectAnswer)
		examAPI.POST("/next", handlers.ExamSession.Next)
		examAPI.POST("/previous", handlers.ExamSession.Previous)
		examAPI.POST("/submit", handlers.ExamSession.Submit)
	}

	// ─── 3. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireWSAuth(auth),
		middleware.RequireRole(model.RoleStudent),
	)
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamStream)
	}

	// ─── 4. Personal Storage Group (any authenticated user) ────────────
	copyLimiter := middleware.NewRateLimiter(cfg.CopyRatePerMinute, time.Minute)

	storageAPI := router.Group("/api/v1/storage")
	storageAPI.Use(middleware.RequireAuth(auth), middleware.NoStore())
	{
		storageAPI.GET("", handlers.Storage.GetOverview)
		storageAPI.POST("/copies", copyLimiter.Middleware(), handlers.Storage.CreateCopy)
		storageAPI.POST("/files", copyLimiter.Middleware(), handlers.Storage.Upload)
		storageAPI.DELETE("/files/:id", handlers.Storage.DeleteFile)
		storageAPI.GET("/folders", handlers.Storage.ListFolders)
		storageAPI.POST("/folders", handlers.Storage.CreateFolder)
	}

	return router
}
