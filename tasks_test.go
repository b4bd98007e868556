package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/models"
)

func runTestTask(t *testing.T, store *db.MemDatabase, args ...string) projectOutput {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runTask(context.Background(), store, args[0], args[1:], &out))
	var o projectOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &o), out.String())
	return o
}

func TestCreateProjectTask(t *testing.T) {
	store := db.InitMemDatabase()
	o := runTestTask(t, store, "create-project", "-name", "Weekly Digest",
		"-origins", "https://example.com, https://*.example.org", "-welcome")

	assert.Len(t, o.PublicID, 26)
	assert.Contains(t, o.SecretKey, models.SecretKeyPrefix)
	p, err := store.GetProjectByPublicID(context.Background(), o.PublicID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly Digest", p.Name)
	assert.Equal(t, o.SecretKey, p.SecretKey)
	assert.Equal(t, []string{"https://example.com", "https://*.example.org"}, []string(p.AllowedOrigins))
	assert.True(t, p.DoubleOptIn)
	assert.True(t, p.WelcomeEmail)
	assert.False(t, p.AdminNotifications)
}

func TestCreateProjectRequiresName(t *testing.T) {
	var out bytes.Buffer
	err := runTask(context.Background(), db.InitMemDatabase(), "create-project", []string{"-single-opt-in"}, &out)
	assert.Error(t, err)
}

func TestProjectTasks(t *testing.T) {
	store := db.InitMemDatabase()
	created := runTestTask(t, store, "create-project", "-name", "Alerts", "-single-opt-in")
	ctx := context.Background()

	rotated := runTestTask(t, store, "rotate-key", created.PublicID)
	assert.NotEqual(t, created.SecretKey, rotated.SecretKey)
	assert.NotEmpty(t, rotated.SecretKey)
	p, err := store.GetProjectByPublicID(ctx, created.PublicID)
	require.NoError(t, err)
	assert.Equal(t, rotated.SecretKey, p.SecretKey)
	assert.False(t, p.DoubleOptIn)

	o := runTestTask(t, store, "deactivate-project", created.PublicID)
	assert.Equal(t, string(models.ProjectInactive), o.Status)
	assert.Empty(t, o.SecretKey)
	p, _ = store.GetProjectByPublicID(ctx, created.PublicID)
	assert.False(t, p.IsActive())

	runTestTask(t, store, "activate-project", created.PublicID)
	p, _ = store.GetProjectByPublicID(ctx, created.PublicID)
	assert.True(t, p.IsActive())

	o = runTestTask(t, store, "set-origins", created.PublicID, "https://a.example", "*")
	assert.Equal(t, []string{"https://a.example", "*"}, o.AllowedOrigins)
}

func TestProjectTaskUnknownProject(t *testing.T) {
	var out bytes.Buffer
	err := runTask(context.Background(), db.InitMemDatabase(), "rotate-key", []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV"}, &out)
	assert.ErrorIs(t, err, db.ErrNotFound)

	err = runTask(context.Background(), db.InitMemDatabase(), "rotate-key", nil, &out)
	assert.Error(t, err)

	err = runTask(context.Background(), db.InitMemDatabase(), "no-such-task", nil, &out)
	assert.Error(t, err)
}

func TestPruneRequestLogsTask(t *testing.T) {
	store := db.InitMemDatabase()
	ctx := context.Background()
	require.NoError(t, store.PutRequestLogs(ctx, []models.RequestLog{
		{Path: "/api/v1/subscriptions", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)},
		{Path: "/api/v1/subscriptions", CreatedAt: time.Now()},
	}))

	var out bytes.Buffer
	require.NoError(t, runTask(ctx, store, "prune-request-logs", []string{"-days", "30"}, &out))
	assert.Equal(t, "deleted 1 request log entries\n", out.String())
	assert.Len(t, store.RequestLogs(), 1)
}
