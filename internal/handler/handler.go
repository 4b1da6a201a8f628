package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"tcportal/internal/auth"
	"tcportal/internal/config"
	"tcportal/internal/filestore"
	"tcportal/internal/store"
	"tcportal/internal/tc"
)

var (
	verifyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_verify_attempts_total",
		Help: "Verification attempts by outcome.",
	}, []string{"outcome"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_downloads_total",
		Help: "Certificate download requests by status.",
	}, []string{"status"})
)

// Handler carries the gateway service plus the staff-facing repository.
type Handler struct {
	svc   *tc.Service
	repo  *tc.Repository
	files filestore.Store
	db    *store.DB
	redis *store.Redis
	cfg   config.App
}

// New creates a handler. repo, db and redis may be nil in tests that only
// exercise the public endpoints.
func New(svc *tc.Service, repo *tc.Repository, files filestore.Store, db *store.DB, redis *store.Redis, cfg config.App) *Handler {
	return &Handler{svc: svc, repo: repo, files: files, db: db, redis: redis, cfg: cfg}
}

// Healthz reports dependency health.
func (h *Handler) Healthz(c *gin.Context) {
	redisHealthy := h.redis.Healthy(c.Request.Context())
	dbHealthy := h.db.Healthy(c.Request.Context())
	status := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
}

// ---------- Public: verify + download ----------

type verifyRequest struct {
	AdmissionNumber string `json:"admission_number" binding:"required"`
	RecaptchaToken  string `json:"recaptcha_token"`
}

// VerifyTC checks an admission number against a record and, on success,
// returns a time-limited download URL.
func (h *Handler) VerifyTC(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recordID := c.Param("id")
	res, err := h.svc.Verify(c.Request.Context(), recordID, req.AdmissionNumber, req.RecaptchaToken, c.ClientIP())
	if err != nil {
		var limited *tc.RateLimitedError
		switch {
		case errors.Is(err, tc.ErrRecordNotFound):
			verifyAttemptsTotal.WithLabelValues("not_found").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		case errors.Is(err, tc.ErrCaptchaFailed):
			verifyAttemptsTotal.WithLabelValues("captcha_failed").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": tc.ErrCaptchaFailed.Error()})
		case errors.As(err, &limited):
			verifyAttemptsTotal.WithLabelValues("rate_limited").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       limited.Error(),
				"message":     limited.Error(),
				"retry_after": int(limited.RetryAfter.Seconds()),
			})
		case errors.Is(err, tc.ErrNotVerified):
			verifyAttemptsTotal.WithLabelValues("not_verified").Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": tc.ErrNotVerified.Error()})
		case errors.Is(err, tc.ErrAdmissionMismatch):
			verifyAttemptsTotal.WithLabelValues("mismatch").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": tc.ErrAdmissionMismatch.Error()})
		default:
			verifyAttemptsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		}
		return
	}

	verifyAttemptsTotal.WithLabelValues("issued").Inc()
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"download_url": fmt.Sprintf("/tc/%s/download?token=%s", url.PathEscape(recordID), url.QueryEscape(res.Token)),
		"expires_in":   int(res.ExpiresIn.Seconds()),
	})
}

// DownloadTC streams the certificate file for a valid token.
func (h *Handler) DownloadTC(c *gin.Context) {
	dl, err := h.svc.Fetch(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil {
		switch {
		case errors.Is(err, tc.ErrInvalidToken):
			downloadsTotal.WithLabelValues("forbidden").Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": tc.ErrInvalidToken.Error()})
		case errors.Is(err, tc.ErrRecordNotFound), errors.Is(err, tc.ErrFileMissing):
			downloadsTotal.WithLabelValues("not_found").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": tc.ErrFileMissing.Error()})
		default:
			downloadsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "download failed"})
		}
		return
	}
	defer dl.Content.Close()

	downloadsTotal.WithLabelValues("ok").Inc()
	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", dl.Filename),
	}
	c.DataFromReader(http.StatusOK, dl.Size, "application/pdf", dl.Content, extraHeaders)
}

// ---------- Staff ----------

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges the staff credential for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.cfg.AdminPasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "staff login not configured"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUser)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password))
	if !userOK || passErr != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, exp, err := auth.Issue(req.Username, "staff", h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "expires_at": exp.Unix()})
}

// ListRecords returns records newest first.
func (h *Handler) ListRecords(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	records, err := h.repo.ListRecords(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// GetRecord returns one record.
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.repo.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type recordRequest struct {
	AdmissionNumber string     `json:"admission_number" binding:"required"`
	CertNumber      string     `json:"cert_number" binding:"required"`
	StudentName     string     `json:"student_name" binding:"required"`
	Class           *string    `json:"class"`
	LeavingDate     *time.Time `json:"leaving_date"`
	Verified        bool       `json:"verified"`
}

// CreateRecord inserts a new TC record.
func (h *Handler) CreateRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.repo.InsertRecord(c.Request.Context(), tc.Record{
		AdmissionNumber: req.AdmissionNumber,
		CertNumber:      req.CertNumber,
		StudentName:     req.StudentName,
		Class:           req.Class,
		LeavingDate:     req.LeavingDate,
		Verified:        req.Verified,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type recordPatch struct {
	AdmissionNumber *string    `json:"admission_number"`
	CertNumber      *string    `json:"cert_number"`
	StudentName     *string    `json:"student_name"`
	Class           *string    `json:"class"`
	LeavingDate     *time.Time `json:"leaving_date"`
	Verified        *bool      `json:"verified"`
}

// PatchRecord updates fields of a record, including the verified flag.
func (h *Handler) PatchRecord(c *gin.Context) {
	var req recordPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	rec, err := h.repo.GetRecord(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}

	if req.AdmissionNumber != nil {
		rec.AdmissionNumber = *req.AdmissionNumber
	}
	if req.CertNumber != nil {
		rec.CertNumber = *req.CertNumber
	}
	if req.StudentName != nil {
		rec.StudentName = *req.StudentName
	}
	if req.Class != nil {
		rec.Class = req.Class
	}
	if req.LeavingDate != nil {
		rec.LeavingDate = req.LeavingDate
	}
	if err := h.repo.UpdateRecord(ctx, *rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.Verified != nil {
		if err := h.repo.SetVerified(ctx, rec.ID, *req.Verified); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		rec.Verified = *req.Verified
	}
	c.JSON(http.StatusOK, rec)
}

// UploadFile attaches a certificate PDF to a record.
func (h *Handler) UploadFile(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.repo.GetRecord(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	defer file.Close()

	path := "tc/" + rec.ID + ".pdf"
	if err := h.files.Save(ctx, path, file); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file store write failed"})
		return
	}
	if err := h.repo.SetFilePath(ctx, rec.ID, path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_path": path})
}

// ListAttempts returns the latest verification attempts from the audit trail.
func (h *Handler) ListAttempts(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	attempts, err := h.repo.RecentAttempts(c.Request.Context(), c.Query("record_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}
