// Package middleware provides HTTP middleware for authentication, logging, and request processing.
package middleware

import (
	"context"
	"strings"
	"time"

	"Wardline/internal/conf"
	pkglog "Wardline/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// tokenMaskedContextKey is the context key for storing the masked admin token
	tokenMaskedContextKey contextKey = "admin_token_masked"
)

// Auth returns an HTTP middleware guarding the admin surface with a static
// bearer token. When no token is configured the surface is open and every
// request is logged as unauthenticated.
func Auth(c *conf.Auth, logger *pkglog.LogHelper) middleware.Middleware {
	var adminToken string
	if c != nil {
		adminToken = c.AdminToken
	}

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var token string

			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()

					authHeader := httpReq.Header.Get("Authorization")
					if authHeader != "" {
						// "Bearer {token}" format
						token = strings.TrimPrefix(authHeader, "Bearer ")
						token = strings.TrimSpace(token)
					}

					if token == "" {
						token = httpReq.Header.Get("X-Admin-Token")
					}
				}
			}

			if adminToken != "" {
				if token != adminToken {
					logger.Auth("Rejected request with missing or invalid admin token",
						"duration_ms", time.Since(startTime).Milliseconds(),
					)
					return nil, kerrors.Unauthorized("INVALID_ADMIN_TOKEN", "admin token is missing or invalid")
				}

				maskedToken := maskToken(token)
				logger.Auth("Authenticated admin request ("+maskedToken+")",
					"token_masked", maskedToken,
					"duration_ms", time.Since(startTime).Milliseconds(),
				)
				ctx = context.WithValue(ctx, tokenMaskedContextKey, maskedToken)
			}

			return handler(ctx, req)
		}
	}
}

// maskToken masks a token, showing only the first 8 characters.
// Example: "wl-1234567890abcdef" -> "wl-12345***"
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "***"
}
