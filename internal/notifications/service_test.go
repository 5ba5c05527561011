package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/notifier/internal/cache"
	"github.com/darkden-lab/notifier/internal/logging"
)

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := cache.NewRedis("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestService_CreateStoresUnreadNotification(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())

	n, created, err := svc.Create(context.Background(), CreateParams{UserID: "u1", Message: "Task X assigned", Type: "task", SourceID: "m1"})
	require.NoError(t, err)
	assert.True(t, created)

	assert.NotZero(t, n.ID)
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, "task", n.Type)
	assert.False(t, n.IsRead)
	assert.False(t, n.CreatedAt.IsZero())
	require.NotNil(t, n.SourceID)
	assert.Equal(t, "m1", *n.SourceID)
	assert.Len(t, store.all(), 1)
}

func TestService_CreateValidates(t *testing.T) {
	svc := NewService(&memStore{}, nil, time.Hour, nil, logging.Discard())

	cases := []CreateParams{
		{Message: "hi", Type: "task"},
		{UserID: "u1", Message: "   ", Type: "task"},
		{UserID: "u1", Message: "hi"},
	}
	for _, p := range cases {
		_, _, err := svc.Create(context.Background(), p)
		assert.True(t, IsValidation(err), "params %+v", p)
	}
}

func TestService_CreateDeduplicatesBySource(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	first, created, err := svc.Create(ctx, CreateParams{UserID: "u1", Message: "hi", Type: "user", SourceID: "dup"})
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := svc.Create(ctx, CreateParams{UserID: "u1", Message: "hi", Type: "user", SourceID: "dup"})
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.all(), 1)
}

func TestService_CreateStoreFailure(t *testing.T) {
	store := &memStore{insertErr: errors.New("disk full")}
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())

	_, _, err := svc.Create(context.Background(), CreateParams{UserID: "u1", Message: "hi", Type: "task"})
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
}

func TestService_ListServedFromCacheOnSecondCall(t *testing.T) {
	store := &memStore{}
	store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now().Add(-time.Minute)})
	c, srv := newRedisCache(t)
	svc := NewService(store, c, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	first, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	second, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, store.lists())
	assert.Equal(t, CacheStats{Hits: 1, Misses: 1}, svc.CacheStats())
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Message, second[0].Message)
	assert.True(t, first[0].CreatedAt.Equal(second[0].CreatedAt))

	assert.True(t, srv.Exists("notifications:user:u1"))
	assert.Equal(t, time.Hour, srv.TTL("notifications:user:u1"))
}

func TestService_ListEmptyUser(t *testing.T) {
	svc := NewService(&memStore{}, nil, time.Hour, nil, logging.Discard())

	list, err := svc.ListForUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestService_CreateInvalidatesCache(t *testing.T) {
	store := &memStore{}
	c, srv := newRedisCache(t)
	svc := NewService(store, c, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	_, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, srv.Exists(CacheKey("u1")))

	_, _, err = svc.Create(ctx, CreateParams{UserID: "u1", Message: "new", Type: "task"})
	require.NoError(t, err)
	assert.False(t, srv.Exists(CacheKey("u1")))

	list, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_ListDoesNotCacheReadOverlappingCreate(t *testing.T) {
	store := newGatedStore()
	c, srv := newRedisCache(t)
	svc := NewService(store, c, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	listed := make(chan error, 1)
	go func() {
		_, err := svc.ListForUser(ctx, "u1")
		listed <- err
	}()
	<-store.read

	_, created, err := svc.Create(ctx, CreateParams{UserID: "u1", Message: "task assigned", Type: "task"})
	require.NoError(t, err)
	require.True(t, created)
	close(store.release)
	require.NoError(t, <-listed)

	assert.False(t, srv.Exists(CacheKey("u1")))
	list, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_ListDoesNotCacheReadOverlappingPurge(t *testing.T) {
	store := newGatedStore()
	store.seed(Notification{UserID: "u1", Message: "old", Type: "task", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)})
	c, srv := newRedisCache(t)
	svc := NewService(store, c, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	listed := make(chan error, 1)
	go func() {
		_, err := svc.ListForUser(ctx, "u1")
		listed <- err
	}()
	<-store.read

	deleted, err := svc.PurgeOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	close(store.release)
	require.NoError(t, <-listed)

	assert.False(t, srv.Exists(CacheKey("u1")))
	list, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_CacheFailureFallsBackToStore(t *testing.T) {
	store := &memStore{}
	store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now()})
	svc := NewService(store, brokenCache{}, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	list, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, _, err = svc.Create(ctx, CreateParams{UserID: "u1", Message: "b", Type: "task"})
	require.NoError(t, err)
}

func TestService_CorruptCacheEntryIsAMiss(t *testing.T) {
	store := &memStore{}
	store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now()})
	c, srv := newRedisCache(t)
	require.NoError(t, srv.Set(CacheKey("u1"), "{not json"))
	svc := NewService(store, c, time.Hour, nil, logging.Discard())

	list, err := svc.ListForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int64(1), svc.CacheStats().Misses)
}

func TestService_ListStoreFailure(t *testing.T) {
	svc := NewService(&memStore{listErr: errors.New("timeout")}, nil, time.Hour, nil, logging.Discard())

	_, err := svc.ListForUser(context.Background(), "u1")
	var se *StoreError
	assert.ErrorAs(t, err, &se)
}

func TestService_MarkAsReadSkipsMissingIDs(t *testing.T) {
	store := &memStore{}
	n1 := store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now()})
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())

	updated, err := svc.MarkAsRead(context.Background(), "u1", []int64{n1.ID, 999}, boolPtr(true))
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	got, _ := store.get(n1.ID)
	assert.True(t, got.IsRead)
}

func TestService_MarkAsReadOnlyTouchesOwnNotifications(t *testing.T) {
	store := &memStore{}
	mine := store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now()})
	theirs := store.seed(Notification{UserID: "u2", Message: "b", Type: "task", CreatedAt: time.Now()})
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())

	updated, err := svc.MarkAsRead(context.Background(), "u1", []int64{mine.ID, theirs.ID}, boolPtr(true))
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	got, _ := store.get(theirs.ID)
	assert.False(t, got.IsRead)

	_, err = svc.MarkAsRead(context.Background(), "u1", []int64{theirs.ID}, boolPtr(true))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_MarkAsReadCanMarkUnread(t *testing.T) {
	store := &memStore{}
	n := store.seed(Notification{UserID: "u1", Message: "a", Type: "task", IsRead: true, CreatedAt: time.Now()})
	svc := NewService(store, nil, time.Hour, nil, logging.Discard())

	_, err := svc.MarkAsRead(context.Background(), "u1", []int64{n.ID, n.ID}, boolPtr(false))
	require.NoError(t, err)
	got, _ := store.get(n.ID)
	assert.False(t, got.IsRead)
}

func TestService_MarkAsReadValidation(t *testing.T) {
	svc := NewService(&memStore{}, nil, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	_, err := svc.MarkAsRead(ctx, "u1", nil, boolPtr(true))
	assert.True(t, IsValidation(err))
	_, err = svc.MarkAsRead(ctx, "u1", []int64{1}, nil)
	assert.True(t, IsValidation(err))
	_, err = svc.MarkAsRead(ctx, "u1", []int64{1}, boolPtr(true))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_MarkAsReadInvalidatesOnlyThatUser(t *testing.T) {
	store := &memStore{}
	n := store.seed(Notification{UserID: "u1", Message: "a", Type: "task", CreatedAt: time.Now()})
	store.seed(Notification{UserID: "u2", Message: "b", Type: "task", CreatedAt: time.Now()})
	c, srv := newRedisCache(t)
	svc := NewService(store, c, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	_, _ = svc.ListForUser(ctx, "u1")
	_, _ = svc.ListForUser(ctx, "u2")

	_, err := svc.MarkAsRead(ctx, "u1", []int64{n.ID}, boolPtr(true))
	require.NoError(t, err)

	assert.False(t, srv.Exists(CacheKey("u1")))
	assert.True(t, srv.Exists(CacheKey("u2")))

	list, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, list[0].IsRead)
}

func TestService_PurgeOlderThan(t *testing.T) {
	store := &memStore{}
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	old := store.seed(Notification{UserID: "u1", Message: "old", Type: "task", CreatedAt: now.Add(-8 * 24 * time.Hour)})
	recent := store.seed(Notification{UserID: "u1", Message: "recent", Type: "task", CreatedAt: now.Add(-time.Hour)})

	c, srv := newRedisCache(t)
	require.NoError(t, srv.Set(CacheKey("u1"), "[]"))
	require.NoError(t, srv.Set(CacheKey("u9"), "[]"))

	pusher := &mockPusher{}
	pusher.On("PushDeleted", "u1", old.ID).Return(nil).Once()

	svc := NewService(store, c, time.Hour, pusher, logging.Discard())
	svc.now = func() time.Time { return now }

	count, err := svc.PurgeOlderThan(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rows := store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, recent.ID, rows[0].ID)
	assert.False(t, srv.Exists(CacheKey("u1")))
	assert.False(t, srv.Exists(CacheKey("u9")))
	pusher.AssertExpectations(t)
}

func TestService_PurgeNothingToDelete(t *testing.T) {
	store := &memStore{}
	store.seed(Notification{UserID: "u1", Message: "recent", Type: "task", CreatedAt: time.Now()})
	pusher := &mockPusher{}
	svc := NewService(store, nil, time.Hour, pusher, logging.Discard())

	count, err := svc.PurgeOlderThan(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
	pusher.AssertNotCalled(t, "PushDeleted", mock.Anything, mock.Anything)
}

func TestService_PurgeIgnoresPushFailure(t *testing.T) {
	store := &memStore{}
	store.seed(Notification{UserID: "u1", Message: "old", Type: "task", CreatedAt: time.Now().Add(-30 * 24 * time.Hour)})
	pusher := &mockPusher{}
	pusher.On("PushDeleted", "u1", mock.Anything).Return(errors.New("buffer full"))
	svc := NewService(store, brokenCache{}, time.Hour, pusher, logging.Discard())

	count, err := svc.PurgeOlderThan(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestService_Deliver(t *testing.T) {
	n := Notification{ID: 7, UserID: "u1", Message: "hi", Type: "task"}

	pusher := &mockPusher{}
	pusher.On("PushNew", "u1", n).Return(nil).Once()
	svc := NewService(&memStore{}, nil, time.Hour, pusher, logging.Discard())
	require.NoError(t, svc.Deliver(context.Background(), n))
	pusher.AssertExpectations(t)

	failing := &mockPusher{}
	failing.On("PushNew", "u1", n).Return(errors.New("closed"))
	svc = NewService(&memStore{}, nil, time.Hour, failing, logging.Discard())
	var pe *PushError
	assert.ErrorAs(t, svc.Deliver(context.Background(), n), &pe)

	svc = NewService(&memStore{}, nil, time.Hour, nil, logging.Discard())
	assert.NoError(t, svc.Deliver(context.Background(), n))
}

func boolPtr(b bool) *bool { return &b }
