package security

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"
)

var (
	ErrSvixMissingHeaders = errors.New("missing svix headers")
	ErrSvixSignature      = errors.New("svix signature rejected")
)

// VerifySvixSignature checks an identity provider delivery signed in the Svix
// format. The headers must carry svix-id, svix-timestamp and svix-signature;
// stale timestamps are rejected by the svix verifier.
func VerifySvixSignature(payload []byte, headers http.Header, secret string) error {
	if strings.TrimSpace(secret) == "" ||
		headers.Get("svix-id") == "" ||
		headers.Get("svix-timestamp") == "" ||
		headers.Get("svix-signature") == "" {
		return ErrSvixMissingHeaders
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return fmt.Errorf("svix secret: %w", err)
	}
	if err := wh.Verify(payload, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrSvixSignature, err)
	}
	return nil
}

// SignSvix produces a svix-signature header value; used by tests and local
// tooling that replays identity events.
func SignSvix(payload []byte, msgID, timestamp, secret string) (string, error) {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("svix timestamp: %w", err)
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return "", fmt.Errorf("svix secret: %w", err)
	}
	return wh.Sign(msgID, time.Unix(ts, 0), payload)
}

// SvixHeaders collects the three signature headers of a delivery.
func SvixHeaders(msgID, timestamp, signature string) http.Header {
	h := http.Header{}
	h.Set("svix-id", msgID)
	h.Set("svix-timestamp", timestamp)
	h.Set("svix-signature", signature)
	return h
}

// TokenEqual compares shared secrets in constant time.
func TokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(want))
}
