// Package credentials supplies bearer tokens presented by the transports and
// the fetch gateway.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource returns a bearer token for an outbound request. An empty token
// means the request is sent unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a TokenSource that always returns the same token.
type Static string

// Token implements TokenSource.
func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// BearerHeader returns the Authorization header value for ts, or "" when ts
// is nil or yields an empty token.
func BearerHeader(ctx context.Context, ts TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("credentials: token: %w", err)
	}
	if tok == "" {
		return "", nil
	}
	return "Bearer " + tok, nil
}

// JWTConfig configures a JWT-minting token source.
type JWTConfig struct {
	// Issuer is the iss claim, typically the application or installation id.
	Issuer string
	// Subject is the sub claim.
	Subject string
	// Audience is the aud claim, typically the realtime endpoint.
	Audience string
	// Key is the HMAC secret used for HS256 signatures.
	Key []byte
	// TTL is the token lifetime. Defaults to one hour.
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ErrMissingKey is returned by NewJWT when no signing key is configured.
var ErrMissingKey = errors.New("credentials: signing key is required")

// refreshSkew is how long before expiry a cached token is replaced.
const refreshSkew = 30 * time.Second

// JWT mints short-lived HS256 tokens and caches them until shortly before
// they expire.
type JWT struct {
	cfg JWTConfig

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWT validates cfg and returns a token source.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if len(cfg.Key) == 0 {
		return nil, ErrMissingKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWT{cfg: cfg}, nil
}

// Token implements TokenSource.
func (j *JWT) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.cfg.Now()
	if j.token != "" && now.Add(refreshSkew).Before(j.expires) {
		return j.token, nil
	}

	expires := now.Add(j.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    j.cfg.Issuer,
		Subject:   j.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if j.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Key)
	if err != nil {
		return "", fmt.Errorf("credentials: sign token: %w", err)
	}
	j.token, j.expires = signed, expires
	return signed, nil
}

var (
	_ TokenSource = Static("")
	_ TokenSource = (*JWT)(nil)
)
