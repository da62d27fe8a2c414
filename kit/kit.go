// Package kit holds transport-agnostic plumbing shared by the HTTP and
// MCP surfaces: the endpoint/middleware types and request-scoped
// context values.
package kit

import "context"

// Endpoint is a single transport-agnostic operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares outermost-first: Chain(a, b, c) runs a,
// then b, then c, then the endpoint.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
