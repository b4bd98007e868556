package admission

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/EFForg/newsletter-backend/models"
)

// Class groups endpoints that share a rate limit budget.
type Class string

// Endpoint classes.
const (
	ClassSubscribe   Class = "subscribe"
	ClassUnsubscribe Class = "unsubscribe"
)

// Request is the admission view of an inbound HTTP request. It is built
// once and never modified by stages.
type Request struct {
	Method     string
	Path       string
	Header     http.Header
	ClientIP   string
	UserAgent  string
	Origin     string
	Class      Class
	ReceivedAt time.Time
}

// NewRequest snapshots r. The client address comes from RemoteAddr, which
// the proxy header middleware rewrites when proxies are trusted.
func NewRequest(r *http.Request, class Class, now time.Time) *Request {
	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		ClientIP:   ClientIP(r),
		UserAgent:  r.UserAgent(),
		Origin:     r.Header.Get("Origin"),
		Class:      class,
		ReceivedAt: now,
	}
}

// IsPreflight reports whether this is a CORS preflight.
func (r *Request) IsPreflight() bool {
	return r.Method == http.MethodOptions
}

// ClientIP strips the port from r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type tenantKey struct{}

// WithTenant stores the admitted project in ctx.
func WithTenant(ctx context.Context, p models.Project) context.Context {
	return context.WithValue(ctx, tenantKey{}, p)
}

// TenantFrom returns the project admitted for this request.
func TenantFrom(ctx context.Context) (models.Project, bool) {
	p, ok := ctx.Value(tenantKey{}).(models.Project)
	return p, ok
}
