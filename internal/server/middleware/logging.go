package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "Wardline/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThresholdMs flags admin calls that took suspiciously long.
const slowRequestThresholdMs = 3000

// Logging returns an HTTP middleware that generates a request ID, injects
// the request context, and records method, path, status and duration for
// every admin call.
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    string
				path      string
				ip        string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}

					ip = extractClientIP(httpReq)

					requestID = httpReq.Header.Get("X-Request-ID")
				}
			}

			if requestID == "" {
				requestID = pkglog.GenerateRequestID()
			}

			ctx = pkglog.WithRequestContext(ctx, requestID)

			reply, err := handler(ctx, req)

			duration := time.Since(startTime).Milliseconds()

			status := 200
			if err != nil {
				status = extractHTTPStatus(err)
			}

			logger.Request(method, path, status, duration,
				"request_id", requestID,
				"ip", ip,
			)

			if duration >= slowRequestThresholdMs {
				logger.Warnw(
					"msg", "slow admin request",
					"request_id", requestID,
					"method", method,
					"path", path,
					"duration_ms", duration,
				)
			}

			return reply, err
		}
	}
}

// extractClientIP extracts the client IP from the request.
// Priority: X-Real-IP > X-Forwarded-For > RemoteAddr
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	return req.RemoteAddr
}

// extractHTTPStatus maps a Kratos error to its HTTP status code.
func extractHTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	if se := kerrors.FromError(err); se != nil {
		return int(se.Code)
	}
	return 500
}
