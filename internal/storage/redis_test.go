package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/storage"
	"grouparchive/backend/internal/storage/storagetest"
)

func TestRedisLease(t *testing.T) {
	mr, rdb := storagetest.NewRedis(t)
	lease := &storage.RedisLease{Client: rdb, TTL: time.Minute}
	ctx := context.Background()

	ok, err := lease.Acquire(ctx, "cred", "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Acquire(ctx, "cred", "run-2")
	require.NoError(t, err)
	assert.False(t, ok, "a held lease cannot be taken by another run")

	// A foreign owner can neither extend nor release.
	ok, err = lease.Extend(ctx, "cred", "run-2")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, lease.Release(ctx, "cred", "run-2"))
	assert.True(t, mr.Exists("fetch:lease:cred"))

	ok, err = lease.Extend(ctx, "cred", "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx, "cred", "run-1"))
	assert.False(t, mr.Exists("fetch:lease:cred"))

	// Expired leases free the credential.
	ok, err = lease.Acquire(ctx, "cred", "run-3")
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Minute)
	ok, err = lease.Acquire(ctx, "cred", "run-4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivityLogs_Since(t *testing.T) {
	_, rdb := storagetest.NewRedis(t)
	logs := map[string]interface {
		Append(ctx context.Context, entry *models.AccountActivity) error
		Since(ctx context.Context, operator string, since time.Time) ([]models.AccountActivity, error)
	}{
		"gorm":  &storage.GormActivityLog{Service: storagetest.NewService(t, false)},
		"redis": &storage.RedisActivityLog{Client: rdb},
	}
	now := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, age := range []time.Duration{70 * time.Hour, 50 * time.Hour, 47 * time.Hour, time.Hour} {
				require.NoError(t, log.Append(ctx, &models.AccountActivity{
					Operator: "op", Action: models.AccountAdd, Allowed: true, CreatedAt: now.Add(-age),
				}))
			}
			require.NoError(t, log.Append(ctx, &models.AccountActivity{
				Operator: "other", Action: models.AccountRemove, CreatedAt: now,
			}))

			got, err := log.Since(ctx, "op", now.Add(-48*time.Hour))

			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].CreatedAt.Equal(now.Add(-47*time.Hour)))
			assert.Equal(t, models.AccountAdd, got[0].Action)
		})
	}
}

func TestRedisActivityLog_Retention(t *testing.T) {
	mr, rdb := storagetest.NewRedis(t)
	log := &storage.RedisActivityLog{Client: rdb, Retention: 48 * time.Hour}
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{72 * time.Hour, 49 * time.Hour, time.Hour} {
		require.NoError(t, log.Append(ctx, &models.AccountActivity{
			Operator: "op", Action: models.AccountAdd, CreatedAt: now.Add(-age),
		}))
	}
	require.NoError(t, log.Append(ctx, &models.AccountActivity{
		Operator: "op", Action: models.AccountRemove, CreatedAt: now,
	}))

	members, err := mr.ZMembers("account:activity:op")
	require.NoError(t, err)
	assert.Len(t, members, 2, "entries older than the retention are trimmed")
}

func TestRedisActivityLog_SubMillisecondBoundary(t *testing.T) {
	_, rdb := storagetest.NewRedis(t)
	log := &storage.RedisActivityLog{Client: rdb}
	ctx := context.Background()
	since := time.Date(2024, 6, 3, 0, 0, 0, 100, time.UTC)

	// Same millisecond as since: one before, one after.
	require.NoError(t, log.Append(ctx, &models.AccountActivity{Operator: "op", CreatedAt: since.Add(-50)}))
	require.NoError(t, log.Append(ctx, &models.AccountActivity{Operator: "op", CreatedAt: since.Add(500)}))

	got, err := log.Since(ctx, "op", since)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].CreatedAt.Equal(since.Add(500)))
}

func TestRunEvents_PublishSubscribe(t *testing.T) {
	s := storagetest.NewService(t, true)
	ctx := context.Background()
	sub := s.SubscribeToRunEvents(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishRunEvent(ctx, "abc", []byte(`{"type":"state"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "fetch:run:abc", msg.Channel)
		assert.JSONEq(t, `{"type":"state"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("run event not delivered")
	}
}

func TestPublishRunEvent_WithoutRedis(t *testing.T) {
	s := storagetest.NewService(t, false)

	err := s.PublishRunEvent(context.Background(), "abc", nil)

	assert.ErrorIs(t, err, storage.ErrNoRedis)
}
