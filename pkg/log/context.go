package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// contextKey is the private key type for storing the RequestContext.
type contextKey string

const requestContextKey contextKey = "wardline_request_context"

// RequestContext carries per-request tracing information across layers.
type RequestContext struct {
	RequestID string
	StartTime time.Time
	Metadata  map[string]interface{}
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 charset (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID generates a 10-character base36 request ID, e.g. mgrn0zfqda.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext, usually from middleware.
func WithRequestContext(ctx context.Context, requestID string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext, returning an empty default
// when none is present so callers never need a nil check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{RequestID: "unknown", Metadata: make(map[string]interface{})}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{RequestID: "unknown", Metadata: make(map[string]interface{})}
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetElapsedTime returns how long the request has been running, in milliseconds.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
