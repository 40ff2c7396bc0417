package cdn

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublicURL(t *testing.T) {
	s := New("cdn.example.com", "secret")

	require.Equal(t, "https://cdn.example.com/originals/o/f.png", s.PublicURL("originals/o/f.png"))
	require.Equal(t, "https://cdn.example.com/k", s.PublicURL("/k"))
}

func TestSignedURL_Roundtrip(t *testing.T) {
	s := New("cdn.example.com", "secret")

	signed := s.SignedURL("private/f.png", time.Hour)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := u.Query().Get("sig")

	require.True(t, s.Verify("private/f.png", expires, sig))
}

func TestVerify_RejectsTampering(t *testing.T) {
	s := New("cdn.example.com", "secret")

	signed := s.SignedURL("private/f.png", time.Hour)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	expires, _ := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	sig := u.Query().Get("sig")

	require.False(t, s.Verify("private/other.png", expires, sig), "key swap must fail")
	require.False(t, s.Verify("private/f.png", expires+1, sig), "expiry extension must fail")
	require.False(t, s.Verify("private/f.png", expires, "deadbeef"), "forged signature must fail")
}

func TestVerify_RejectsExpired(t *testing.T) {
	s := New("cdn.example.com", "secret")

	expires := time.Now().Add(-time.Minute).Unix()
	sig := s.sign("private/f.png", expires)

	require.False(t, s.Verify("private/f.png", expires, sig))
}

func TestVerify_DifferentSecrets(t *testing.T) {
	a := New("cdn.example.com", "secret-a")
	b := New("cdn.example.com", "secret-b")

	expires := time.Now().Add(time.Hour).Unix()
	sig := a.sign("k", expires)

	require.False(t, b.Verify("k", expires, sig))
}

func TestSignedCookie(t *testing.T) {
	s := New("cdn.example.com", "secret")

	cookie, err := s.SignedCookie("private/owner-1/*", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, cookie.Policy)
	require.NotEmpty(t, cookie.Signature)
	require.Equal(t, "cdn-key-1", cookie.KeyID)
}
