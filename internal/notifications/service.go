package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/darkden-lab/notifier/internal/cache"
)

// CacheKeyPrefix is shared by every cached notification list.
const CacheKeyPrefix = "notifications:"

// CacheKey returns the cache key of a user's notification list.
func CacheKey(userID string) string {
	return CacheKeyPrefix + "user:" + userID
}

// Pusher delivers real-time events to a user's open connections.
type Pusher interface {
	PushNew(userID string, n Notification) error
	PushDeleted(userID string, id int64) error
}

// CacheStats counts list reads served from the cache and from the store.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Service owns every write to the store and keeps the cache coherent with it.
type Service struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	pusher   Pusher
	log      *slog.Logger
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64

	// Cache fills are skipped when the user's generation moved during the
	// store read. epoch moves on a full flush.
	genMu sync.Mutex
	gens  map[string]uint64
	epoch uint64
}

type listGeneration struct {
	epoch uint64
	user  uint64
}

// NewService creates a Service. A nil cache disables caching and a nil
// pusher disables real-time delivery.
func NewService(store Store, c cache.Cache, cacheTTL time.Duration, pusher Pusher, log *slog.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		pusher:   pusher,
		log:      log.With(slog.String("component", "notifications")),
		now:      time.Now,
		gens:     make(map[string]uint64),
	}
}

// Create stores a new unread notification and invalidates the user's cached
// list. A repeated SourceID returns the existing notification with created
// set to false.
func (s *Service) Create(ctx context.Context, p CreateParams) (n Notification, created bool, err error) {
	n = Notification{
		UserID:  strings.TrimSpace(p.UserID),
		Message: strings.TrimSpace(p.Message),
		Type:    strings.TrimSpace(p.Type),
	}
	switch {
	case n.UserID == "":
		return Notification{}, false, &ValidationError{Field: "userId", Reason: "is required"}
	case n.Message == "":
		return Notification{}, false, &ValidationError{Field: "message", Reason: "is required"}
	case n.Type == "":
		return Notification{}, false, &ValidationError{Field: "type", Reason: "is required"}
	}
	if p.SourceID != "" {
		n.SourceID = lo.ToPtr(p.SourceID)
	}

	created, err = s.store.Insert(ctx, &n)
	if err != nil {
		return Notification{}, false, &StoreError{Op: "insert", Err: err}
	}
	if !created {
		s.log.Info("duplicate event ignored", "source_id", p.SourceID, "notification_id", n.ID)
		return n, false, nil
	}

	s.invalidate(ctx, n.UserID)
	s.log.Info("notification created", "notification_id", n.ID, "user_id", n.UserID, "type", n.Type)
	return n, true, nil
}

// ListForUser returns the user's notifications, newest first, from the cache
// when possible. Cache failures degrade to a store read.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "userId", Reason: "is required"}
	}
	key := CacheKey(userID)

	data, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logBestEffort("cache read failed", &CacheError{Op: "get", Key: key, Err: err})
	}
	if found {
		var list []Notification
		err := json.Unmarshal(data, &list)
		if err == nil {
			s.hits.Add(1)
			return list, nil
		}
		s.logBestEffort("cached list is corrupt", &CacheError{Op: "decode", Key: key, Err: err})
	}
	s.misses.Add(1)

	gen := s.generation(userID)
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	s.fill(ctx, userID, gen, list)
	return list, nil
}

// MarkAsRead sets the read flag on the user's notifications among ids and
// returns how many were updated. Ids that do not exist or belong to another
// user are skipped; if none remain the result is ErrNotFound.
func (s *Service) MarkAsRead(ctx context.Context, userID string, ids []int64, isRead *bool) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, &ValidationError{Field: "userId", Reason: "is required"}
	}
	if len(ids) == 0 {
		return 0, &ValidationError{Field: "ids", Reason: "must be a non-empty array of numbers"}
	}
	if isRead == nil {
		return 0, &ValidationError{Field: "isRead", Reason: "must be a boolean"}
	}

	updated, err := s.store.MarkRead(ctx, userID, lo.Uniq(ids), *isRead)
	if err != nil {
		return 0, &StoreError{Op: "mark read", Err: err}
	}
	if updated == 0 {
		return 0, ErrNotFound
	}

	s.invalidate(ctx, userID)
	return updated, nil
}

// PurgeOlderThan deletes notifications older than window, drops every cached
// list and tells connected owners which notifications disappeared.
func (s *Service) PurgeOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := s.now().Add(-window)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, &StoreError{Op: "delete", Err: err}
	}
	if len(deleted) == 0 {
		return 0, nil
	}

	s.genMu.Lock()
	s.epoch++
	s.genMu.Unlock()
	if err := s.cache.DeleteByPrefix(ctx, CacheKeyPrefix); err != nil {
		s.logBestEffort("cache flush failed", &CacheError{Op: "delete prefix", Key: CacheKeyPrefix, Err: err})
	}

	if s.pusher != nil {
		for userID, rows := range lo.GroupBy(deleted, func(d Deleted) string { return d.UserID }) {
			for _, d := range rows {
				if err := s.pusher.PushDeleted(userID, d.ID); err != nil {
					s.logBestEffort("push delete failed", &PushError{UserID: userID, Err: err})
				}
			}
		}
	}
	return int64(len(deleted)), nil
}

// Deliver pushes n to the owner's open connections. The error is for
// logging only; the notification is already stored.
func (s *Service) Deliver(_ context.Context, n Notification) error {
	if s.pusher == nil {
		return nil
	}
	if err := s.pusher.PushNew(n.UserID, n); err != nil {
		return &PushError{UserID: n.UserID, Err: err}
	}
	return nil
}

// CacheStats returns the list cache counters.
func (s *Service) CacheStats() CacheStats {
	return CacheStats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// fill caches list unless a write for userID happened since gen was taken.
// A write that lands between the check and the Set is caught by the second
// check, which drops the entry again.
func (s *Service) fill(ctx context.Context, userID string, gen listGeneration, list []Notification) {
	if s.generation(userID) != gen {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	key := CacheKey(userID)
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.logBestEffort("cache write failed", &CacheError{Op: "set", Key: key, Err: err})
		return
	}
	if s.generation(userID) != gen {
		s.invalidate(ctx, userID)
	}
}

func (s *Service) generation(userID string) listGeneration {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return listGeneration{epoch: s.epoch, user: s.gens[userID]}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	s.genMu.Lock()
	s.gens[userID]++
	s.genMu.Unlock()

	key := CacheKey(userID)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logBestEffort("cache invalidation failed", &CacheError{Op: "delete", Key: key, Err: err})
	}
}

func (s *Service) logBestEffort(msg string, err error) {
	if err != nil {
		s.log.Warn(msg, "error", err)
	}
}
