package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/models"
)

const testKey = "nlc_abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123"

type fakeStore struct {
	projects map[string]models.Project
	delay    time.Duration
}

func (f fakeStore) GetProjectByPublicID(ctx context.Context, id string) (models.Project, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.Project{}, ctx.Err()
		}
	}
	p, ok := f.projects[id]
	if !ok {
		return models.Project{}, db.ErrNotFound
	}
	return p, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
	tenants  []*models.Project
}

func (o *recordingObserver) Observe(req *Request, tenant *models.Project, status int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
	o.tenants = append(o.tenants, tenant)
}

func project(id string, origins ...string) models.Project {
	return models.Project{
		ID:             1,
		PublicID:       id,
		SecretKey:      testKey,
		Name:           "Test",
		Status:         models.ProjectActive,
		AllowedOrigins: origins,
	}
}

func newTestPipeline(store ProjectStore, observer Observer) *Pipeline {
	return New(store, observer, Options{
		LookupTimeout:   50 * time.Millisecond,
		SubscribeRate:   30,
		UnsubscribeRate: 10,
		Window:          time.Minute,
	})
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, ok := TenantFrom(r.Context())
	if !ok {
		http.Error(w, "no tenant", http.StatusTeapot)
		return
	}
	fmt.Fprint(w, p.PublicID)
})

func request(method, project, key, origin, ip string) *http.Request {
	r := httptest.NewRequest(method, "/api/v1/subscriptions", strings.NewReader("{}"))
	if project != "" {
		r.Header.Set("X-Project-ID", project)
	}
	if key != "" {
		r.Header.Set("X-Api-Key", key)
	}
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	r.RemoteAddr = ip + ":4321"
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestCredentials(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{
		"active":    project("active"),
		"suspended": func() models.Project { p := project("suspended"); p.Status = models.ProjectInactive; return p }(),
	}}
	obs := &recordingObserver{}
	h := newTestPipeline(store, obs).Handler(ClassSubscribe, okHandler)

	cases := []struct {
		name, project, key string
		status             int
		body               string
	}{
		{"missing key", "active", "", 401, `{"success":false,"error":"missing_credentials","message":"Both X-Project-ID and X-Api-Key headers are required"}`},
		{"missing project", "", testKey, 401, `{"success":false,"error":"missing_credentials","message":"Both X-Project-ID and X-Api-Key headers are required"}`},
		{"wrong key", "active", "nlc_wrong", 401, `{"success":false,"error":"invalid_credentials","message":"Project ID or API key is invalid"}`},
		{"unknown project", "nope", testKey, 401, `{"success":false,"error":"invalid_credentials","message":"Project ID or API key is invalid"}`},
		{"suspended", "suspended", testKey, 403, `{"success":false,"error":"project_suspended","message":"This project has been suspended"}`},
		{"ok", "active", testKey, 200, "active"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := serve(h, request(http.MethodPost, c.project, c.key, "", "10.0.0.1"))
			assert.Equal(t, c.status, w.Code)
			assert.Equal(t, c.body, strings.TrimSpace(w.Body.String()))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
	assert.Equal(t, []int{401, 401, 401, 401, 403, 200}, obs.statuses)
	assert.Nil(t, obs.tenants[0])
	require.NotNil(t, obs.tenants[5])
	assert.Equal(t, "active", obs.tenants[5].PublicID)
}

func TestCredentialLookupTimeout(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"slow": project("slow")}, delay: time.Second}
	h := newTestPipeline(store, nil).Handler(ClassSubscribe, okHandler)

	w := serve(h, request(http.MethodPost, "slow", testKey, "", "10.0.0.1"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestCORSWildcard(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"p": project("p", "*.example.com")}}
	h := newTestPipeline(store, nil).Handler(ClassSubscribe, okHandler)

	w := serve(h, request(http.MethodPost, "p", testKey, "https://sub.example.com", "10.0.0.2"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://sub.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, ExposeHeaders, w.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	for _, origin := range []string{"https://evil.com", "https://evilexample.com", "https://example.com.evil.com"} {
		w = serve(h, request(http.MethodPost, "p", testKey, origin, "10.0.0.2"))
		assert.Equal(t, http.StatusForbidden, w.Code, origin)
		assert.Equal(t, `{"success":false,"error":"origin_not_allowed","message":"CORS policy violation: Origin not allowed"}`,
			strings.TrimSpace(w.Body.String()))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	}
}

func TestCORSNoOrigin(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"p": project("p", "https://example.com")}}
	h := newTestPipeline(store, nil).Handler(ClassSubscribe, okHandler)

	w := serve(h, request(http.MethodPost, "p", testKey, "", "10.0.0.3"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{
		"any":    project("any", "*"),
		"strict": project("strict", "https://example.com"),
	}}
	h := newTestPipeline(store, nil).Handler(ClassSubscribe, okHandler)

	w := serve(h, request(http.MethodOptions, "any", testKey, "https://whatever.org", "10.0.0.4"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, AllowMethods, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, AllowHeaders, w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "false", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Empty(t, w.Body.String())

	w = serve(h, request(http.MethodOptions, "strict", testKey, "https://example.com", "10.0.0.4"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(h, request(http.MethodOptions, "strict", testKey, "https://evil.com", "10.0.0.4"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Body.String())

	// Preflight never fails on credentials, but without a tenant no origin is allowed.
	w = serve(h, request(http.MethodOptions, "", "", "https://example.com", "10.0.0.4"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRateLimitBoundary(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"p": project("p")}}
	h := newTestPipeline(store, nil).Handler(ClassSubscribe, okHandler)

	for i := 1; i <= 30; i++ {
		w := serve(h, request(http.MethodPost, "p", testKey, "", "192.0.2.1"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, fmt.Sprint(30-i), w.Header().Get("X-RateLimit-Remaining"))
	}
	w := serve(h, request(http.MethodPost, "p", testKey, "", "192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	w = serve(h, request(http.MethodPost, "p", testKey, "", "192.0.2.2"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitClassesAreIndependent(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"p": project("p")}}
	pipeline := newTestPipeline(store, nil)
	unsub := pipeline.Handler(ClassUnsubscribe, okHandler)
	sub := pipeline.Handler(ClassSubscribe, okHandler)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, serve(unsub, request(http.MethodPost, "p", testKey, "", "192.0.2.9")).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(unsub, request(http.MethodPost, "p", testKey, "", "192.0.2.9")).Code)
	assert.Equal(t, http.StatusOK, serve(sub, request(http.MethodPost, "p", testKey, "", "192.0.2.9")).Code)
}

type brokenCounter struct{}

func (brokenCounter) Get(ctx context.Context, key string) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store unavailable")
}

func TestRateLimitFailsOpen(t *testing.T) {
	store := fakeStore{projects: map[string]models.Project{"p": project("p")}}
	pipeline := NewPipeline(nil,
		Credentials{Store: store, Timeout: time.Second},
		CORS{},
		RateLimit{Limiters: map[Class]Counter{ClassSubscribe: brokenCounter{}}},
	)
	w := serve(pipeline.Handler(ClassSubscribe, okHandler), request(http.MethodPost, "p", testKey, "", "192.0.2.5"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunStopsAtFirstHalt(t *testing.T) {
	called := false
	pipeline := NewPipeline(nil,
		stageFunc(func(ctx context.Context, req *Request, s State) Outcome { return Reject(ValidationFailed, s) }),
		stageFunc(func(ctx context.Context, req *Request, s State) Outcome { called = true; return Continue(s) }),
	)
	_, halt := pipeline.Run(context.Background(), &Request{Method: http.MethodPost})
	require.NotNil(t, halt)
	assert.Equal(t, http.StatusUnprocessableEntity, halt.Status)
	assert.False(t, called)
}

type stageFunc func(ctx context.Context, req *Request, s State) Outcome

func (f stageFunc) Name() string { return "test" }

func (f stageFunc) Admit(ctx context.Context, req *Request, s State) Outcome { return f(ctx, req, s) }

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r))
	r.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
