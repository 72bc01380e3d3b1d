//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/router"
	syncpkg "github.com/TheMichaelB/habitsync/internal/services/sync"
	"github.com/TheMichaelB/habitsync/internal/storage"
	"github.com/TheMichaelB/habitsync/internal/transport"
	"github.com/TheMichaelB/habitsync/test/testutil"
)

type env struct {
	dav     *testutil.DAVServer
	local   *storage.LocalProvider
	router  *router.Router
	service *syncpkg.Service
	logs    *bytes.Buffer
}

func setup(t *testing.T, requestTimeout time.Duration) *env {
	t.Helper()
	ctx := context.Background()

	e := &env{dav: testutil.NewDAVServer(t), logs: &bytes.Buffer{}}
	logger := testutil.NewTestLogger(e.logs)
	retry := transport.SplitBudget(requestTimeout, 1, time.Millisecond)

	dav := e.dav.Provider(t, "dav", retry, logger)
	ok, err := dav.Authenticate(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	e.local, err = storage.NewLocalProvider("disk", t.TempDir(), logger)
	require.NoError(t, err)

	e.router, err = router.New(router.Config{
		Endpoints: []router.Endpoint{
			{Name: "dav", Priority: 1, Enabled: true, Provider: dav},
			{Name: "disk", Priority: 2, Enabled: true, Provider: e.local},
		},
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		RequestTimeout:   requestTimeout,
	}, logger)
	require.NoError(t, err)

	engine := testutil.NewEngine(t, "correct-horse-battery", testutil.RandomSalt())
	e.service = syncpkg.NewService(e.router, engine, &syncpkg.Config{MaxConcurrent: 4}, logger)
	e.service.SetScope("alice/laptop")
	return e
}

func TestFailoverAndRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	e := setup(t, 2*time.Second)

	for i := 0; i < 3; i++ {
		res, err := e.service.Push(ctx, fmt.Sprintf("habits/h%d", i), testutil.HabitPayload(i), models.ContextHabitData)
		require.NoError(t, err)
		assert.Equal(t, "dav", res.Endpoint)
	}

	// Outage: writes move to the disk endpoint and the breaker opens.
	e.dav.SetDown(true)
	for i := 3; i < 6; i++ {
		res, err := e.service.Push(ctx, fmt.Sprintf("habits/h%d", i), testutil.HabitPayload(i), models.ContextHabitData)
		require.NoError(t, err)
		assert.Equal(t, "disk", res.Endpoint)
	}

	status := e.service.Status()
	assert.Equal(t, models.HealthDegraded, status.Overall)
	for _, h := range status.PerEndpoint {
		if h.EndpointName == "dav" {
			assert.Equal(t, models.HealthDown, h.Status)
		}
	}
	for _, b := range status.Breakers {
		if b.EndpointName == "dav" {
			assert.Equal(t, models.BreakerOpen, b.State)
			assert.Equal(t, 2, b.ConsecutiveFailures)
		}
	}

	// Records written before the outage are still readable from cache.
	var got testutil.Habit
	res, err := e.service.PullCached(ctx, "habits/h1", models.ContextHabitData, &got)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "habit-001", got.Name)

	// Recovery: a successful probe marks the endpoint healthy again.
	e.dav.SetDown(false)
	e.router.CheckHealth(ctx)

	status = e.service.Status()
	assert.Equal(t, models.HealthHealthy, status.Overall)

	got = testutil.Habit{}
	res, err = e.service.Pull(ctx, "habits/h2", models.ContextHabitData, &got)
	require.NoError(t, err)
	assert.Equal(t, "dav", res.Endpoint)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, got.Streak)

	files, err := e.local.ListFiles(ctx, "habits")
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestSlowPrimaryTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	e := setup(t, 150*time.Millisecond)
	e.dav.SetDelay(time.Second)

	var wg sync.WaitGroup
	endpoints := make([]string, 5)
	errs := make([]error, 5)
	for i := range endpoints {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.service.Push(ctx, fmt.Sprintf("habits/slow-%d", i), testutil.HabitPayload(i), models.ContextHabitData)
			errs[i] = err
			if err == nil {
				endpoints[i] = res.Endpoint
			}
		}(i)
	}
	wg.Wait()

	for i := range endpoints {
		require.NoError(t, errs[i])
		assert.Equal(t, "disk", endpoints[i])
	}

	var dav models.BreakerSnapshot
	for _, b := range e.service.Status().Breakers {
		if b.EndpointName == "dav" {
			dav = b
		}
	}
	assert.Equal(t, models.BreakerOpen, dav.State)
	assert.NotEmpty(t, e.logs.String())
}

func TestReencryptOverWebDAV(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	e := setup(t, 2*time.Second)

	for i := 0; i < 8; i++ {
		_, err := e.service.Push(ctx, fmt.Sprintf("habits/r%d", i), testutil.HabitPayload(i), models.ContextHabitData)
		require.NoError(t, err)
	}

	next := testutil.NewEngine(t, "rotated-password", testutil.RandomSalt())
	report, err := e.service.Reencrypt(ctx, "habits", next)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Reencrypted)

	rotated := syncpkg.NewService(e.router, next, nil, events.Discard())
	var got testutil.Habit
	_, err = rotated.Pull(ctx, "habits/r5", models.ContextHabitData, &got)
	require.NoError(t, err)
	assert.Equal(t, "habit-005", got.Name)
}
