package docsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestJwt(t *testing.T, expiresAt time.Time) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "user-1",
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)
	return signed
}

func TestStaticTokenProvider(t *testing.T) {
	tokens := NewStaticTokenProvider("token-1")
	token, err := tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, "token-1", token)

	// invalidate is a no-op for static tokens
	tokens.Invalidate()
	token, err = tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, "token-1", token)
}

func TestJwtTokenProviderCaching(t *testing.T) {
	refreshCount := 0
	tokens := NewJwtTokenProvider(func(ctx context.Context) (string, error) {
		refreshCount += 1
		return signTestJwt(t, time.Now().Add(time.Hour)), nil
	})

	a, err := tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, refreshCount)

	// a fresh token is served from cache
	b, err := tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, refreshCount)

	// invalidation forces a refresh
	tokens.Invalidate()
	_, err = tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, refreshCount)
}

func TestJwtTokenProviderExpiry(t *testing.T) {
	refreshCount := 0
	tokens := NewJwtTokenProvider(func(ctx context.Context) (string, error) {
		refreshCount += 1
		// already inside the refresh leeway
		return signTestJwt(t, time.Now().Add(time.Second)), nil
	})

	_, err := tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	_, err = tokens.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, refreshCount)
}

func TestJwtTokenProviderRefreshError(t *testing.T) {
	tokens := NewJwtTokenProvider(func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("auth service unavailable")
	})
	_, err := tokens.GetToken(context.Background())
	assert.NotEqual(t, err, nil)
}

func TestParseJwtExpiry(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	parsed := parseJwtExpiryUnverified(signTestJwt(t, expiresAt))
	assert.Equal(t, expiresAt.Unix(), parsed.Unix())

	assert.Equal(t, true, parseJwtExpiryUnverified("not-a-jwt").IsZero())
}
