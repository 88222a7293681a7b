package kit

import "context"

// Transports recorded on a call.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// call describes the caller of an endpoint. It is stored by value so each
// With* returns a context with an updated copy.
type call struct {
	transport string
	requestID string
	remote    string
}

type callKey struct{}

func callOf(ctx context.Context) call {
	c, _ := ctx.Value(callKey{}).(call)
	return c
}

func withCall(ctx context.Context, fn func(*call)) context.Context {
	c := callOf(ctx)
	fn(&c)
	return context.WithValue(ctx, callKey{}, c)
}

func WithTransport(ctx context.Context, t string) context.Context {
	return withCall(ctx, func(c *call) { c.transport = t })
}

// GetTransport defaults to TransportHTTP.
func GetTransport(ctx context.Context) string {
	if t := callOf(ctx).transport; t != "" {
		return t
	}
	return TransportHTTP
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withCall(ctx, func(c *call) { c.requestID = id })
}

func GetRequestID(ctx context.Context) string { return callOf(ctx).requestID }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return withCall(ctx, func(c *call) { c.remote = addr })
}

func GetRemoteAddr(ctx context.Context) string { return callOf(ctx).remote }
