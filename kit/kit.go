// Package kit holds the transport-neutral endpoint type shared by the HTTP
// and MCP surfaces, with its middleware and request context values.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/idgen"
)

// Endpoint handles one decoded request.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

var requestIDs = idgen.Prefixed("req_", idgen.UUIDv7())

// NewRequestID returns a fresh request ID.
func NewRequestID() string { return requestIDs() }

// WithRequestIDs gives every call a request ID unless one is already set.
func WithRequestIDs() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetRequestID(ctx) == "" {
				ctx = WithRequestID(ctx, requestIDs())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs each call of the named endpoint with its outcome.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"request_id", GetRequestID(ctx),
				"remote", GetRemoteAddr(ctx),
				"elapsed", time.Since(start),
			}
			if err != nil {
				logger.Warn("kit: call failed", append(attrs, "error", err)...)
			} else {
				logger.Info("kit: call", attrs...)
			}
			return resp, err
		}
	}
}
