package jobstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"file": func(t *testing.T) Backend {
			return NewFileBackend(t.TempDir())
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisBackend(client, RedisConfig{})
		},
	}
}

func TestBackends_SaveLoadList(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			_, err := b.Load(ctx, ID{"verificationjob", "missing"})
			assert.ErrorIs(t, err, ErrNotFound)

			t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
			t2 := t1.Add(time.Hour)
			require.NoError(t, b.Save(ctx, &Record{JobType: "verificationjob", JobName: "a", State: StateRunning, TaskID: "UPID:a", PID: 10, StartedAt: &t1}))
			require.NoError(t, b.Save(ctx, &Record{
				JobType: "verificationjob", JobName: "b", State: StateFinished, TaskID: "UPID:b",
				StartedAt: &t2, EndedAt: &t2, Result: &Result{Status: ResultAborted, Message: "verification failed - job aborted"},
			}))
			require.NoError(t, b.Save(ctx, &Record{JobType: "syncjob", JobName: "c", State: StateFinished}))

			got, err := b.Load(ctx, ID{"verificationjob", "b"})
			require.NoError(t, err)
			assert.Equal(t, StateFinished, got.State)
			require.NotNil(t, got.Result)
			assert.Equal(t, ResultAborted, got.Result.Status)
			assert.Equal(t, "verification failed - job aborted", got.Result.Message)
			require.NotNil(t, got.StartedAt)
			assert.True(t, got.StartedAt.Equal(t2))

			// Overwrite keeps one record per identity.
			require.NoError(t, b.Save(ctx, &Record{JobType: "verificationjob", JobName: "a", State: StateFinished, StartedAt: &t1, Result: &Result{Status: ResultOK}}))

			list, err := b.List(ctx, "verificationjob")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[0].JobName, "newest first")
			assert.Equal(t, StateFinished, list[1].State)

			all, err := b.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestBackends_LeaseExcludesSecondOwner(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			leaser, ok := b.(Leaser)
			require.True(t, ok)
			ctx := context.Background()
			id := ID{"verificationjob", "tank"}

			release, err := leaser.Lease(ctx, id, "UPID:one")
			require.NoError(t, err)

			_, err = leaser.Lease(ctx, id, "UPID:two")
			assert.ErrorIs(t, err, ErrAlreadyRunning)

			require.NoError(t, release())

			release, err = leaser.Lease(ctx, id, "UPID:two")
			require.NoError(t, err)
			require.NoError(t, release())
		})
	}
}

func TestStore_LeaseAcrossStores(t *testing.T) {
	root := t.TempDir()
	first := NewStore(NewFileBackend(root))
	second := NewStore(NewFileBackend(root))
	ctx := context.Background()
	id := ID{"verificationjob", "tank"}

	require.NoError(t, first.Start(ctx, id, "UPID:one"))
	assert.ErrorIs(t, second.Start(ctx, id, "UPID:two"), ErrAlreadyRunning)

	require.NoError(t, first.Finish(ctx, id, Result{Status: ResultOK}))
	require.NoError(t, second.Start(ctx, id, "UPID:two"))

	rec, err := first.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "UPID:two", rec.TaskID)
	assert.True(t, rec.Stale, "foreign store in the same pid is not held by first")
}

func TestFileBackend_Layout(t *testing.T) {
	root := t.TempDir()
	b := NewFileBackend(root)
	require.NoError(t, b.Save(context.Background(), &Record{JobType: "verificationjob", JobName: "tank", State: StateFinished, Stale: true}))

	data, err := os.ReadFile(filepath.Join(root, "verificationjob", "tank.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state": "finished"`)
	assert.NotContains(t, string(data), "stale")
}

func TestRedisBackend_LeaseExpiresWithoutRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBackend(client, RedisConfig{LeaseTTL: time.Minute})
	ctx := context.Background()
	id := ID{"verificationjob", "tank"}

	_, err := b.Lease(ctx, id, "UPID:crashed")
	require.NoError(t, err)
	assert.True(t, mr.Exists("snapvault:jobstate:lease:verificationjob:tank"))

	mr.FastForward(2 * time.Minute)

	release, err := b.Lease(ctx, id, "UPID:next")
	require.NoError(t, err)
	require.NoError(t, release())
	assert.False(t, mr.Exists("snapvault:jobstate:lease:verificationjob:tank"))
}

func TestRedisBackend_LeaseLossIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zap.WarnLevel)
	b := NewRedisBackend(client, RedisConfig{LeaseTTL: 30 * time.Millisecond, Logger: zap.New(core)})
	id := ID{"verificationjob", "tank"}

	release, err := b.Lease(context.Background(), id, "UPID:owner")
	require.NoError(t, err)
	mr.Del("snapvault:jobstate:lease:verificationjob:tank")

	require.Eventually(t, func() bool {
		return logs.FilterMessage("redis lease lost").Len() == 1
	}, 5*time.Second, 5*time.Millisecond)
	entry := logs.FilterMessage("redis lease lost").All()[0]
	assert.Equal(t, "verificationjob/tank", entry.ContextMap()["job"])
	assert.Equal(t, "UPID:owner", entry.ContextMap()["owner"])

	require.NoError(t, release())
}

func TestRedisBackend_LeaseRefreshFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zap.WarnLevel)
	b := NewRedisBackend(client, RedisConfig{LeaseTTL: 30 * time.Millisecond, Logger: zap.New(core)})

	release, err := b.Lease(context.Background(), ID{"verificationjob", "tank"}, "UPID:owner")
	require.NoError(t, err)
	mr.SetError("LOADING server is loading")

	require.Eventually(t, func() bool {
		return logs.FilterMessage("redis lease refresh failed").Len() > 0
	}, 5*time.Second, 5*time.Millisecond)

	mr.SetError("")
	require.NoError(t, release())
}
