package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tcportal/internal/audit"
	"tcportal/internal/auth"
	"tcportal/internal/captcha"
	"tcportal/internal/config"
	"tcportal/internal/filestore"
	"tcportal/internal/handler"
	"tcportal/internal/httpmiddleware"
	"tcportal/internal/queue"
	"tcportal/internal/ratelimit"
	"tcportal/internal/store"
	"tcportal/internal/tc"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	if cfg.IsProduction() {
		if cfg.AppSecret == "" || cfg.AppSecret == "dev-app-secret-change" {
			log.Fatal("APP_SECRET must be set in production")
		}
		if cfg.RecaptchaSkip {
			log.Fatal("RECAPTCHA_SKIP must not be enabled in production")
		}
		if cfg.RecaptchaSecret == "" {
			log.Fatal("RECAPTCHA_SECRET must be set in production")
		}
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	// CAPTCHA is skipped only outside production, and loudly.
	captchaSkip := cfg.RecaptchaSkip || cfg.RecaptchaSecret == ""
	if captchaSkip {
		log.Println("WARNING: CAPTCHA verification DISABLED (RECAPTCHA_SECRET unset or RECAPTCHA_SKIP on) — dev only")
	}
	captchaClient := captcha.New(cfg.RecaptchaSecret, captchaSkip)

	var limiter tc.AttemptLimiter
	if cfg.RateLimitBackend == "memory" {
		log.Println("WARNING: in-memory attempt limiter cannot enforce limits across processes — dev only")
		limiter = ratelimit.NewMemoryLimiter(cfg.VerifyWindow)
	} else {
		limiter = ratelimit.NewRedisLimiter(redisClient.Client, "tc:verify", cfg.VerifyWindow)
	}

	var files filestore.Store
	if cfg.FileBackend == "http" {
		files = filestore.NewHTTP(cfg.FileBaseURL)
		log.Println("file store: http backend:", cfg.FileBaseURL)
	} else {
		files = filestore.NewDisk(cfg.FileRoot)
		log.Println("file store: disk backend:", cfg.FileRoot)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "tc:attempts")
	}

	repo := tc.NewRepository(db.Client)
	svc := tc.NewService(repo, captchaClient, limiter, files, audit.NewPublisher(q),
		cfg.AppSecret, cfg.TokenTTL, cfg.VerifyMaxAttempts)
	h := handler.New(svc, repo, files, db, redisClient, cfg)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Coarse global rate limiting; the verify flow has its own limiter
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)

	r.POST("/tc/:id/verify", h.VerifyTC)
	r.GET("/tc/:id/download", h.DownloadTC)

	r.POST("/v1/admin/login", h.Login)
	adminGroup := r.Group("/v1/admin", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	adminGroup.GET("/records", h.ListRecords)
	adminGroup.POST("/records", h.CreateRecord)
	adminGroup.GET("/records/:id", h.GetRecord)
	adminGroup.PATCH("/records/:id", h.PatchRecord)
	adminGroup.POST("/records/:id/file", h.UploadFile)
	adminGroup.GET("/attempts", h.ListAttempts)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
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
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
