// Package cdn issues public and time-limited URLs for objects published by
// the storage adapter. Signed URLs carry an HMAC token the edge verifies, so
// long-lived credentials never reach the client.
package cdn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer builds delivery URLs under a CDN domain.
type Signer struct {
	domain string
	secret []byte
}

// SignedCookie is the policy triple set on the client for cookie-based access.
type SignedCookie struct {
	Policy    string `json:"policy"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
}

// New creates a Signer for the given CDN domain and signing secret.
func New(domain, secret string) *Signer {
	return &Signer{
		domain: strings.TrimSuffix(domain, "/"),
		secret: []byte(secret),
	}
}

// PublicURL returns the unsigned delivery URL for a public object.
func (s *Signer) PublicURL(key string) string {
	return fmt.Sprintf("https://%s/%s", s.domain, strings.TrimPrefix(key, "/"))
}

// SignedURL returns a time-limited URL for a private object. The expiry and
// signature ride along as query parameters.
func (s *Signer) SignedURL(key string, expiresIn time.Duration) string {
	expires := time.Now().Add(expiresIn).Unix()
	base := s.PublicURL(key)

	return fmt.Sprintf("%s?expires=%d&sig=%s", base, expires, s.sign(key, expires))
}

// Verify checks a signature produced by SignedURL. Expired or forged
// signatures are rejected.
func (s *Signer) Verify(key string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}

	expected := s.sign(key, expires)

	return hmac.Equal([]byte(expected), []byte(sig))
}

// SignedCookie builds a cookie policy granting access to every key under the
// given resource prefix until the expiry.
func (s *Signer) SignedCookie(resource string, expiresIn time.Duration) (SignedCookie, error) {
	expires := time.Now().Add(expiresIn).Unix()

	policy, err := json.Marshal(map[string]interface{}{
		"resource": resource,
		"expires":  expires,
	})
	if err != nil {
		return SignedCookie{}, fmt.Errorf("failed to marshal cookie policy: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(policy)

	return SignedCookie{
		Policy:    encoded,
		Signature: s.sign(encoded, expires),
		KeyID:     "cdn-key-1",
	}, nil
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))

	return hex.EncodeToString(mac.Sum(nil))
}
