package hipaa

import "context"

// RequestInfo carries the caller's network metadata into access decisions.
type RequestInfo struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type requestInfoKey struct{}

// WithRequestInfo returns a context carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the RequestInfo stored in ctx, or the zero
// value for background jobs.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}
