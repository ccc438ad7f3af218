package docsync

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// credential source for the transport. `GetToken` is called before
// every dial; `Invalidate` marks the current token rejected so the
// next call refreshes.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{
		token: token,
	}
}

func (self *StaticTokenProvider) GetToken(ctx context.Context) (string, error) {
	return self.token, nil
}

func (self *StaticTokenProvider) Invalidate() {
}

// caches a bearer JWT and refreshes it when it nears expiry or has
// been invalidated. The token is parsed unverified only to read the
// `exp` claim; verification is the server's job.
type JwtTokenProvider struct {
	refresh func(ctx context.Context) (string, error)
	// refresh this long before the exp claim
	expiryLeeway time.Duration

	stateLock sync.Mutex
	token     string
	expiresAt time.Time
}

func NewJwtTokenProvider(refresh func(ctx context.Context) (string, error)) *JwtTokenProvider {
	return &JwtTokenProvider{
		refresh:      refresh,
		expiryLeeway: 30 * time.Second,
	}
}

func (self *JwtTokenProvider) GetToken(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token != "" {
		if self.expiresAt.IsZero() || time.Now().Add(self.expiryLeeway).Before(self.expiresAt) {
			return self.token, nil
		}
	}

	token, err := self.refresh(ctx)
	if err != nil {
		return "", err
	}
	self.token = token
	self.expiresAt = parseJwtExpiryUnverified(token)
	return token, nil
}

func (self *JwtTokenProvider) Invalidate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = ""
	self.expiresAt = time.Time{}
}

// zero if the token has no readable exp claim
func parseJwtExpiryUnverified(token string) time.Time {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	expiresAt, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}
	}
	return expiresAt.Time
}
