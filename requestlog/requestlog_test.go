package requestlog

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/metrics"
	"github.com/EFForg/newsletter-backend/models"
)

func testRequest() *admission.Request {
	h := http.Header{}
	h.Set("X-Api-Key", "nlc_secret")
	h.Set("Authorization", "Bearer x")
	h.Set("Cookie", "a=b")
	h.Set("Origin", "https://example.com")
	h.Set("User-Agent", "test-agent")
	h.Set("Content-Type", "application/json")
	return &admission.Request{
		Method:     http.MethodPost,
		Path:       "/api/v1/subscriptions",
		Header:     h,
		ClientIP:   "203.0.113.45",
		UserAgent:  "test-agent",
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func runLogger(t *testing.T, l *Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Serve(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestObserveWritesEntry(t *testing.T) {
	store := db.InitMemDatabase()
	l := New(store, 16, false)
	stop := runLogger(t, l)

	tenant := models.Project{ID: 7}
	l.Observe(testRequest(), &tenant, http.StatusCreated, 12*time.Millisecond)
	l.Observe(testRequest(), nil, http.StatusUnauthorized, time.Millisecond)
	stop()

	logs := store.RequestLogs()
	require.Len(t, logs, 2)
	entry := logs[0]
	require.NotNil(t, entry.ProjectID)
	assert.Equal(t, int64(7), *entry.ProjectID)
	assert.Equal(t, http.StatusCreated, entry.StatusCode)
	assert.Equal(t, int64(12), entry.ResponseTimeMS)
	assert.Equal(t, "203.0.113.45", entry.IPAddress)
	assert.Equal(t, "https://example.com", entry.Headers["origin"])
	assert.Equal(t, "application/json", entry.Headers["content-type"])
	for _, secret := range []string{"x-api-key", "authorization", "cookie"} {
		assert.NotContains(t, entry.Headers, secret)
	}
	assert.Nil(t, logs[1].ProjectID)
}

func TestObserveMasksIP(t *testing.T) {
	store := db.InitMemDatabase()
	l := New(store, 4, true)
	stop := runLogger(t, l)
	l.Observe(testRequest(), nil, http.StatusOK, 0)
	stop()

	logs := store.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "203.0.***.45", logs[0].IPAddress)
}

func TestObserveDropsWhenFull(t *testing.T) {
	l := New(db.InitMemDatabase(), 1, false)
	before := testutil.ToFloat64(metrics.RequestLogDropped)
	l.Observe(testRequest(), nil, http.StatusOK, 0)
	l.Observe(testRequest(), nil, http.StatusOK, 0)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RequestLogDropped))
}

type failingStore struct{}

func (failingStore) PutRequestLogs(context.Context, []models.RequestLog) error {
	return errors.New("database down")
}

func TestStoreFailureIsSwallowed(t *testing.T) {
	l := New(failingStore{}, 4, false)
	stop := runLogger(t, l)
	l.Observe(testRequest(), nil, http.StatusOK, 0)
	stop()
}

func TestPrune(t *testing.T) {
	store := db.InitMemDatabase()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := models.RequestLog{Method: "POST", Path: "/a", CreatedAt: now.AddDate(-2, 0, 0)}
	fresh := models.RequestLog{Method: "POST", Path: "/b", CreatedAt: now.AddDate(0, -1, 0)}
	require.NoError(t, store.PutRequestLogs(context.Background(), []models.RequestLog{old, fresh}))

	p := &Pruner{Store: store, now: func() time.Time { return now }}
	n, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	logs := store.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "/b", logs[0].Path)
}

func TestPrunerServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Pruner{Store: db.InitMemDatabase(), Interval: time.Hour}
	assert.ErrorIs(t, p.Serve(ctx), context.Canceled)
}
