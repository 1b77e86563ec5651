package application

import "context"

// Origin is the network origin and client descriptor of the request that
// triggered an operation. It is recorded on every audit entry.
type Origin struct {
	IPAddress        string
	ClientDescriptor string
}

type originKey struct{}

// WithOrigin returns a context carrying origin.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the origin stored in ctx, or the zero Origin.
func OriginFromContext(ctx context.Context) Origin {
	origin, _ := ctx.Value(originKey{}).(Origin)
	return origin
}
