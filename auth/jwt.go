package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Option configures a JWT verifier.
type Option func(*jwtConfig)

type jwtConfig struct {
	algs   []string
	leeway time.Duration
}

// WithAllowedAlgs restricts the accepted JWS algorithms. "none" is never
// accepted. Defaults to RS256 for key-set verifiers and HS256 for NewHMAC.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtConfig) { c.algs = append([]string(nil), algs...) }
}

// WithLeeway sets the clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtConfig) { c.leeway = d }
}

// jwtVerifier validates signature, issuer, audience and expiry.
type jwtVerifier struct {
	issuer    string
	audiences []string
	cfg       jwtConfig
	keyfunc   jwt.Keyfunc
}

func newJWTVerifier(issuer string, audiences []string, defaultAlg string, kf jwt.Keyfunc, opts []Option) (*jwtVerifier, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if len(audiences) == 0 || audiences[0] == "" {
		return nil, errors.New("auth: audience is required")
	}
	cfg := jwtConfig{algs: []string{defaultAlg}, leeway: 60 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.algs = slices.DeleteFunc(cfg.algs, func(a string) bool { return a == "none" })
	if len(cfg.algs) == 0 {
		return nil, errors.New("auth: at least one algorithm must be allowed")
	}
	return &jwtVerifier{issuer: issuer, audiences: audiences, cfg: cfg, keyfunc: kf}, nil
}

// Verify implements Verifier.
func (v *jwtVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.leeway),
	)
	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.audiences, a) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Principal{Subject: sub, Claims: claims}, nil
}

// NewHMAC verifies HS256 tokens signed with a shared key, such as those minted
// by credentials.JWT.
func NewHMAC(key []byte, issuer string, audiences []string, opts ...Option) (Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: key is required")
	}
	kf := func(*jwt.Token) (any, error) { return key, nil }
	v, err := newJWTVerifier(issuer, audiences, jwt.SigningMethodHS256.Alg(), kf, opts)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewStatic verifies tokens against a JWKS document at jwksURI. The key set is
// refreshed in the background until ctx is cancelled.
func NewStatic(ctx context.Context, issuer string, audiences []string, jwksURI string, opts ...Option) (Verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("auth: jwks uri is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init failed: %w", err)
	}
	v, err := newJWTVerifier(issuer, audiences, jwt.SigningMethodRS256.Alg(), kf.Keyfunc, opts)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewFromDiscovery locates the issuer's key set through OpenID Connect
// discovery and verifies tokens against it.
func NewFromDiscovery(ctx context.Context, issuer string, audiences []string, opts ...Option) (Verifier, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("auth: discovery incomplete: missing jwks_uri")
	}
	return NewStatic(ctx, meta.Issuer, audiences, meta.JwksURI, opts...)
}

var _ Verifier = (*jwtVerifier)(nil)
