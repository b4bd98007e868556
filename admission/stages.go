package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ulule/limiter"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
)

// ProjectStore looks projects up by the id they present.
type ProjectStore interface {
	GetProjectByPublicID(context.Context, string) (models.Project, error)
}

// Credentials resolves the tenant from X-Project-ID and X-Api-Key.
type Credentials struct {
	Store   ProjectStore
	Timeout time.Duration
}

// Compared against when the project id is unknown so both failure paths
// do the same work.
var dummyKey = []byte(models.SecretKeyPrefix + "00000000000000000000000000000000000000000000000000000000")

// Name implements Stage.
func (c Credentials) Name() string { return "credentials" }

// Admit implements Stage.
func (c Credentials) Admit(ctx context.Context, req *Request, s State) Outcome {
	publicID := req.Header.Get("X-Project-ID")
	key := req.Header.Get("X-Api-Key")
	if publicID == "" || key == "" {
		if req.IsPreflight() {
			return Continue(s)
		}
		return Reject(MissingCredentials, s)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	project, err := c.Store.GetProjectByPublicID(lookupCtx, publicID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		logging.Error().Err(err).Str("project", publicID).Msg("credential lookup failed")
		if req.IsPreflight() {
			return Continue(s)
		}
		return Reject(InternalError, s)
	}

	stored := dummyKey
	if err == nil {
		stored = []byte(project.SecretKey)
	}
	match := subtle.ConstantTimeCompare(stored, []byte(key)) == 1 && err == nil
	switch {
	case !match && req.IsPreflight():
		return Continue(s)
	case !match:
		return Reject(InvalidCredentials, s)
	case !project.IsActive() && req.IsPreflight():
		return Continue(s)
	case !project.IsActive():
		s.Tenant = &project
		return Reject(TenantSuspended, s)
	}
	s.Tenant = &project
	return Continue(s)
}

// CORS enforces the tenant's origin allow-list.
type CORS struct{}

// Header values sent with CORS responses.
const (
	AllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	AllowHeaders  = "Content-Type, Accept, Authorization, X-Requested-With, X-Project-ID, X-Api-Key, Origin"
	ExposeHeaders = "Content-Length, Content-Type, X-Subscription-ID"
	MaxAge        = "86400"
)

// Name implements Stage.
func (CORS) Name() string { return "cors" }

// Admit implements Stage.
func (CORS) Admit(ctx context.Context, req *Request, s State) Outcome {
	if req.IsPreflight() {
		allowOrigin, ok := allowedOrigin(s.Tenant, req.Origin)
		if !ok {
			return Outcome{Halt: &Response{Status: http.StatusForbidden, Kind: OriginNotAllowed, Empty: true}, State: s}
		}
		h := http.Header{}
		if allowOrigin != "" {
			h.Set("Access-Control-Allow-Origin", allowOrigin)
		}
		h.Set("Access-Control-Allow-Methods", AllowMethods)
		h.Set("Access-Control-Allow-Headers", AllowHeaders)
		h.Set("Access-Control-Allow-Credentials", "false")
		h.Set("Access-Control-Max-Age", MaxAge)
		return Outcome{Halt: &Response{Status: http.StatusNoContent, Empty: true, Header: h}, State: s}
	}

	if req.Origin == "" {
		return Continue(s)
	}
	allowOrigin, ok := allowedOrigin(s.Tenant, req.Origin)
	if !ok {
		return Reject(OriginNotAllowed, s)
	}
	s.Header.Set("Access-Control-Allow-Origin", allowOrigin)
	s.Header.Set("Access-Control-Allow-Credentials", "false")
	s.Header.Set("Access-Control-Allow-Methods", AllowMethods)
	s.Header.Set("Access-Control-Allow-Headers", AllowHeaders)
	s.Header.Set("Access-Control-Expose-Headers", ExposeHeaders)
	return Continue(s)
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin.
// Requests without a tenant are never allowed. Requests without an Origin
// are allowed and get no header unless the tenant allows "*".
func allowedOrigin(tenant *models.Project, origin string) (string, bool) {
	if tenant == nil {
		return "", false
	}
	if origin == "" {
		for _, o := range tenant.AllowedOrigins {
			if o == "*" {
				return "*", true
			}
		}
		return "", true
	}
	return tenant.MatchOrigin(origin)
}

// Counter is the subset of limiter.Limiter the rate stage uses.
type Counter interface {
	Get(ctx context.Context, key string) (limiter.Context, error)
}

// RateLimit counts requests per endpoint class and client IP.
type RateLimit struct {
	Limiters map[Class]Counter
}

// Name implements Stage.
func (RateLimit) Name() string { return "rate_limit" }

// Admit implements Stage.
func (rl RateLimit) Admit(ctx context.Context, req *Request, s State) Outcome {
	counter, ok := rl.Limiters[req.Class]
	if !ok || req.IsPreflight() {
		return Continue(s)
	}
	lctx, err := counter.Get(ctx, string(req.Class)+":"+req.ClientIP)
	if err != nil {
		logging.Warn().Err(err).Str("class", string(req.Class)).Msg("rate limit store failed, allowing request")
		return Continue(s)
	}
	s.Header.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	if lctx.Reached {
		s.Header.Set("X-RateLimit-Remaining", "0")
		s.Header.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		retry := lctx.Reset - req.ReceivedAt.Unix()
		if retry < 1 {
			retry = 1
		}
		s.Header.Set("Retry-After", strconv.FormatInt(retry, 10))
		return Reject(RateLimited, s)
	}
	s.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	return Continue(s)
}
