package tc_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcportal/internal/ratelimit"
	"tcportal/internal/tc"
)

// --- fakes ---

type fakeRecords struct {
	records map[string]*tc.Record
}

func (f *fakeRecords) GetRecord(_ context.Context, id string) (*tc.Record, error) {
	return f.records[id], nil
}

type fakeCaptcha struct {
	err   error
	calls int
}

func (f *fakeCaptcha) Verify(context.Context, string, string) error {
	f.calls++
	return f.err
}

type fakeFiles struct {
	content map[string][]byte
}

func (f *fakeFiles) Open(_ context.Context, path string) (io.ReadCloser, int64, error) {
	data, ok := f.content[path]
	if !ok {
		return nil, 0, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

type fakeAudit struct {
	mu       sync.Mutex
	attempts []tc.Attempt
}

func (f *fakeAudit) Record(att tc.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, att)
}

func (f *fakeAudit) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

type fixture struct {
	svc     *tc.Service
	captcha *fakeCaptcha
	limiter *ratelimit.MemoryLimiter
	audit   *fakeAudit
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, records ...*tc.Record) *fixture {
	t.Helper()
	recs := &fakeRecords{records: make(map[string]*tc.Record)}
	for _, r := range records {
		recs.records[r.ID] = r
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	captcha := &fakeCaptcha{}
	limiter := ratelimit.NewMemoryLimiter(5 * time.Minute)
	limiter.SetClock(clock.Now)
	aud := &fakeAudit{}
	files := &fakeFiles{content: map[string][]byte{"tc/42.pdf": []byte("%PDF-1.4 fake")}}
	svc := tc.NewService(recs, captcha, limiter, files, aud, "test-secret", 5*time.Minute, 5)
	svc.SetClock(clock.Now)
	return &fixture{svc: svc, captcha: captcha, limiter: limiter, audit: aud, clock: clock}
}

func record42() *tc.Record {
	return &tc.Record{
		ID:              "42",
		AdmissionNumber: "APS2020123",
		CertNumber:      "TC-0042",
		StudentName:     "Ravi Kumar",
		Verified:        true,
		FilePath:        "tc/42.pdf",
	}
}

// --- verify ---

func TestVerify_Success(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())

	res, err := fx.svc.Verify(context.Background(), "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, res.ExpiresIn)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, []string{"issued"}, fx.audit.outcomes())
}

func TestVerify_CaseAndWhitespaceInsensitive(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())

	res, err := fx.svc.Verify(context.Background(), "42", "  aps2020123  ", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestVerify_UnknownRecord(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())

	_, err := fx.svc.Verify(context.Background(), "no-such-id", "APS2020123", "captcha-ok", "1.2.3.4")
	require.ErrorIs(t, err, tc.ErrRecordNotFound)

	count, _, _ := fx.limiter.Count(context.Background(), "1.2.3.4")
	assert.Zero(t, count, "unknown record must not charge the limiter")
}

func TestVerify_CaptchaFailureChargesNothing(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())
	fx.captcha.err = errors.New("rejected")

	_, err := fx.svc.Verify(context.Background(), "42", "APS2020123", "bad", "1.2.3.4")
	require.ErrorIs(t, err, tc.ErrCaptchaFailed)

	count, _, _ := fx.limiter.Count(context.Background(), "1.2.3.4")
	assert.Zero(t, count, "captcha failure must not charge the limiter")
	assert.Equal(t, []string{"captcha_failed"}, fx.audit.outcomes())
}

func TestVerify_UnverifiedRecordRejectedEvenOnExactMatch(t *testing.T) {
	t.Parallel()
	rec := record42()
	rec.Verified = false
	fx := newFixture(t, rec)

	_, err := fx.svc.Verify(context.Background(), "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.ErrorIs(t, err, tc.ErrNotVerified)
	assert.Equal(t, []string{"not_verified"}, fx.audit.outcomes())
}

func TestVerify_Mismatch(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())

	_, err := fx.svc.Verify(context.Background(), "42", "APS9999999", "captcha-ok", "1.2.3.4")
	require.ErrorIs(t, err, tc.ErrAdmissionMismatch)

	count, _, _ := fx.limiter.Count(context.Background(), "1.2.3.4")
	assert.Equal(t, 1, count, "mismatch still charges the limiter")
}

func TestVerify_SixthAttemptRateLimited(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := fx.svc.Verify(ctx, "42", "wrong", "captcha-ok", "1.2.3.4")
		require.ErrorIs(t, err, tc.ErrAdmissionMismatch)
	}

	// The limit applies regardless of whether the sixth guess is correct.
	_, err := fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	var limited *tc.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Positive(t, limited.RetryAfter)
	assert.Contains(t, limited.Error(), "seconds")

	// A different origin is unaffected.
	_, err = fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "5.6.7.8")
	require.NoError(t, err)
}

func TestVerify_WindowResets(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = fx.svc.Verify(ctx, "42", "wrong", "captcha-ok", "1.2.3.4")
	}
	var limited *tc.RateLimitedError
	_, err := fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.ErrorAs(t, err, &limited)

	fx.clock.Advance(5*time.Minute + time.Second)
	_, err = fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)
}

// --- download ---

func TestVerifyThenFetch_EndToEnd(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, record42())
	ctx := context.Background()

	res, err := fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 300, int(res.ExpiresIn.Seconds()))

	dl, err := fx.svc.Fetch(ctx, "42", res.Token)
	require.NoError(t, err)
	defer dl.Content.Close()

	data, err := io.ReadAll(dl.Content)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fake"), data)
	assert.Equal(t, "TC_TC-0042_Ravi_Kumar.pdf", dl.Filename)

	// Token is bound to the record it was issued for.
	_, err = fx.svc.Fetch(ctx, "43", res.Token)
	require.ErrorIs(t, err, tc.ErrInvalidToken)

	// Expired after the TTL elapses.
	fx.clock.Advance(301 * time.Second)
	_, err = fx.svc.Fetch(ctx, "42", res.Token)
	require.ErrorIs(t, err, tc.ErrInvalidToken)
}

func TestFetch_MissingFile(t *testing.T) {
	t.Parallel()
	rec := record42()
	rec.FilePath = ""
	fx := newFixture(t, rec)
	ctx := context.Background()

	res, err := fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)

	_, err = fx.svc.Fetch(ctx, "42", res.Token)
	require.ErrorIs(t, err, tc.ErrFileMissing)
}

func TestFetch_FileGoneFromStore(t *testing.T) {
	t.Parallel()
	rec := record42()
	rec.FilePath = "tc/missing.pdf"
	fx := newFixture(t, rec)
	ctx := context.Background()

	res, err := fx.svc.Verify(ctx, "42", "APS2020123", "captcha-ok", "1.2.3.4")
	require.NoError(t, err)

	_, err = fx.svc.Fetch(ctx, "42", res.Token)
	require.ErrorIs(t, err, tc.ErrFileMissing)
}
