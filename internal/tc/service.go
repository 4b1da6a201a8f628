package tc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"
)

// Rejection reasons surfaced by Verify and Download. Handlers map these to
// HTTP statuses; the messages are deliberately generic so callers cannot
// tell which part of a guess was wrong.
var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrCaptchaFailed     = errors.New("captcha verification failed")
	ErrNotVerified       = errors.New("certificate not available for download")
	ErrAdmissionMismatch = errors.New("invalid admission number")
	ErrInvalidToken      = errors.New("invalid or expired download link")
	ErrFileMissing       = errors.New("file not found")
)

// RateLimitedError carries the remaining lockout so callers can retry later.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %d seconds", int(e.RetryAfter.Seconds()))
}

// RecordStore is the read side of the record repository.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
}

// CaptchaVerifier checks a caller-supplied challenge response.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response, remoteIP string) error
}

// AttemptLimiter bounds verification attempts per origin. Count is a read;
// Hit is the atomic increment-with-expiry charged for each attempt.
type AttemptLimiter interface {
	Count(ctx context.Context, key string) (int, time.Duration, error)
	Hit(ctx context.Context, key string) error
}

// FileStore serves certificate file content by path.
type FileStore interface {
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
}

// Auditor records attempt outcomes out of band. Implementations must not
// block the request path.
type Auditor interface {
	Record(att Attempt)
}

// VerifyResult is returned on a successful verification.
type VerifyResult struct {
	Token     string
	ExpiresIn time.Duration
}

// Download holds an open certificate file stream plus its caller-facing name.
type Download struct {
	Content  io.ReadCloser
	Size     int64
	Filename string
}

// Service implements the TC verification gateway: it validates admission
// numbers against stored records and mints short-lived download tokens.
// It never mutates records; the only shared state it touches is the
// attempt counter.
type Service struct {
	records  RecordStore
	captcha  CaptchaVerifier
	limiter  AttemptLimiter
	files    FileStore
	audit    Auditor
	secret   string
	tokenTTL time.Duration
	maxHits  int
	now      func() time.Time
}

// NewService builds the gateway. audit may be nil.
func NewService(records RecordStore, captcha CaptchaVerifier, limiter AttemptLimiter, files FileStore, audit Auditor, secret string, tokenTTL time.Duration, maxAttempts int) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		records:  records,
		captcha:  captcha,
		limiter:  limiter,
		files:    files,
		audit:    audit,
		secret:   secret,
		tokenTTL: tokenTTL,
		maxHits:  maxAttempts,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// TokenTTL returns the configured token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }

// Verify runs one verification attempt for recordID from origin. The checks
// run in a fixed order and short-circuit: captcha, rate limit, verified flag,
// admission match. A captcha failure charges no rate-limit cost; everything
// past the captcha does, success included.
func (s *Service) Verify(ctx context.Context, recordID, admissionNumber, captchaResponse, origin string) (*VerifyResult, error) {
	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}

	if err := s.captcha.Verify(ctx, captchaResponse, origin); err != nil {
		log.Printf("captcha check failed for record %s from %s: %v", recordID, origin, err)
		s.record(recordID, origin, "captcha_failed")
		return nil, ErrCaptchaFailed
	}

	count, retryAfter, err := s.limiter.Count(ctx, origin)
	if err != nil {
		return nil, err
	}
	if count >= s.maxHits {
		s.record(recordID, origin, "rate_limited")
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}
	if err := s.limiter.Hit(ctx, origin); err != nil {
		return nil, err
	}

	// Unverified records reject before the admission compare so they never
	// leak whether a guessed admission number was right.
	if !rec.Verified {
		s.record(recordID, origin, "not_verified")
		return nil, ErrNotVerified
	}

	if !strings.EqualFold(strings.TrimSpace(admissionNumber), strings.TrimSpace(rec.AdmissionNumber)) {
		s.record(recordID, origin, "mismatch")
		return nil, ErrAdmissionMismatch
	}

	s.record(recordID, origin, "issued")
	return &VerifyResult{
		Token:     IssueToken(s.secret, rec.ID, s.now(), s.tokenTTL),
		ExpiresIn: s.tokenTTL,
	}, nil
}

// Fetch validates token and opens the certificate file for recordID.
func (s *Service) Fetch(ctx context.Context, recordID, token string) (*Download, error) {
	if !ValidateToken(s.secret, recordID, token, s.now()) {
		return nil, ErrInvalidToken
	}
	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	if rec.FilePath == "" {
		return nil, ErrFileMissing
	}
	content, size, err := s.files.Open(ctx, rec.FilePath)
	if err != nil {
		log.Printf("file store open %s failed: %v", rec.FilePath, err)
		return nil, ErrFileMissing
	}
	return &Download{
		Content:  content,
		Size:     size,
		Filename: downloadFilename(rec),
	}, nil
}

func (s *Service) record(recordID, origin, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(Attempt{RecordID: recordID, Origin: origin, Outcome: outcome, When: s.now().UTC()})
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// downloadFilename builds the attachment name from display fields, never
// from the storage path.
func downloadFilename(rec *Record) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(rec.StudentName), "_")
	cert := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(rec.CertNumber), "_")
	return fmt.Sprintf("TC_%s_%s.pdf", cert, name)
}
