// Package auth verifies the bearer tokens that clients present when opening
// invalidation streams. Verifiers plug into the stream servers through
// HTTPAuthorizer (sse and websocket handlers) and GRPCAuthorizer
// (grpcstream.Register).
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller of a stream.
type Principal struct {
	// Subject is the sub claim, typically an installation or client id.
	Subject string
	Claims  jwt.MapClaims
}

// Verifier validates bearer tokens. Implementations return an error wrapping
// ErrUnauthorized for invalid credentials.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts an ordinary function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tok)
}

// HTTPAuthorizer adapts v to the authorizer hook of the HTTP stream handlers.
func HTTPAuthorizer(v Verifier, log *slog.Logger) func(*http.Request) bool {
	if log == nil {
		log = slog.Default()
	}
	return func(r *http.Request) bool {
		p, err := v.Verify(r.Context(), BearerToken(r))
		if err != nil {
			log.InfoContext(r.Context(), "auth.fail", slog.String("err", err.Error()))
			return false
		}
		log.DebugContext(r.Context(), "auth.ok", slog.String("sub", p.Subject))
		return true
	}
}

// GRPCAuthorizer adapts v to grpcstream.WithAuthorizer.
func GRPCAuthorizer(v Verifier) func(ctx context.Context, token string) error {
	return func(ctx context.Context, token string) error {
		_, err := v.Verify(ctx, token)
		return err
	}
}
