package notifications

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/darkden-lab/notifier/internal/cache"
)

// memStore is an in-memory Store.
type memStore struct {
	mu     sync.Mutex
	rows   []Notification
	nextID int64

	failInserts int
	insertErr   error
	listErr     error
	listCalls   int
	blockInsert bool
}

var _ Store = (*memStore)(nil)

func (s *memStore) Insert(ctx context.Context, n *Notification) (bool, error) {
	s.mu.Lock()
	block := s.blockInsert
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInserts > 0 {
		s.failInserts--
		return false, errors.New("connection refused")
	}
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if n.SourceID != nil {
		for _, r := range s.rows {
			if r.SourceID != nil && *r.SourceID == *n.SourceID {
				*n = r
				return false, nil
			}
		}
	}
	s.nextID++
	n.ID = s.nextID
	n.IsRead = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.rows = append(s.rows, *n)
	return true, nil
}

func (s *memStore) ListByUser(_ context.Context, userID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := []Notification{}
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, userID string, ids []int64, isRead bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range s.rows {
		if s.rows[i].UserID == userID && want[s.rows[i].ID] {
			s.rows[i].IsRead = isRead
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) ([]Deleted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []Deleted
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.CreatedAt.Before(cutoff) {
			deleted = append(deleted, Deleted{ID: r.ID, UserID: r.UserID})
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return deleted, nil
}

func (s *memStore) seed(n Notification) Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	n.ID = s.nextID
	s.rows = append(s.rows, n)
	return n
}

func (s *memStore) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.rows...)
}

func (s *memStore) get(id int64) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return r, true
		}
	}
	return Notification{}, false
}

func (s *memStore) lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// gatedStore pauses the first ListByUser after its read until release is
// closed, so a write can land between the read and the cache fill.
type gatedStore struct {
	*memStore
	gate    atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	s := &gatedStore{memStore: &memStore{}, read: make(chan struct{}), release: make(chan struct{})}
	s.gate.Store(true)
	return s
}

func (s *gatedStore) ListByUser(ctx context.Context, userID string) ([]Notification, error) {
	list, err := s.memStore.ListByUser(ctx, userID)
	if s.gate.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return list, err
}

// brokenCache fails every call.
type brokenCache struct{}

var _ cache.Cache = brokenCache{}

var errCacheDown = errors.New("cache unavailable")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errCacheDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errCacheDown }
func (brokenCache) Delete(context.Context, ...string) error { return errCacheDown }
func (brokenCache) DeleteByPrefix(context.Context, string) error { return errCacheDown }
func (brokenCache) Close() error { return nil }

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) PushNew(userID string, n Notification) error {
	return m.Called(userID, n).Error(0)
}

func (m *mockPusher) PushDeleted(userID string, id int64) error {
	return m.Called(userID, id).Error(0)
}

// recordingPusher is safe to inspect while the consumer is running.
type recordingPusher struct {
	mu  sync.Mutex
	new []Notification
	err error
}

func (p *recordingPusher) PushNew(_ string, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.new = append(p.new, n)
	return p.err
}

func (p *recordingPusher) PushDeleted(string, int64) error { return nil }

func (p *recordingPusher) pushed() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.new...)
}
