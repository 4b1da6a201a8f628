package tc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// The download capability token is self-contained: nothing is stored
// server-side, so the download request may land on a different process
// than the verify request. Layout:
//
//	token = base64url( hex(HMAC-SHA256(secret, recordID|expiresUnix)) + "|" + expiresUnix )

func tokenSignature(secret, recordID string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(recordID + "|" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueToken mints a download token for recordID expiring at now+ttl.
func IssueToken(secret, recordID string, now time.Time, ttl time.Duration) string {
	expires := now.Add(ttl).Unix()
	sig := tokenSignature(secret, recordID, expires)
	return base64.RawURLEncoding.EncodeToString([]byte(sig + "|" + strconv.FormatInt(expires, 10)))
}

// ValidateToken reports whether token authorizes a download of recordID at
// instant now. It fails closed: any decode problem, an elapsed expiry, or a
// signature mismatch all return false.
func ValidateToken(secret, recordID, token string, now time.Time) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	sig, expStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return false
	}
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}
	if now.Unix() >= expires {
		return false
	}
	want := tokenSignature(secret, recordID, expires)
	return hmac.Equal([]byte(sig), []byte(want))
}
