package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type requestContextKey struct{}

// RequestContextFrom extracts the client address and user agent from r.
// Forwarding headers set by the edge proxy take precedence over RemoteAddr.
func RequestContextFrom(r *http.Request) RequestContext {
	return RequestContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFromContext returns the request context stored by
// WithRequestContext, or the zero value.
func RequestContextFromContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
