package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlockStore persists provider blocks. Implementations must be safe for concurrent use.
type BlockStore interface {
	// SetBlock blocks name until the given time.
	SetBlock(ctx context.Context, name string, until time.Time) error
	// BlockedUntil returns the block of name, if any.
	BlockedUntil(ctx context.Context, name string) (time.Time, bool, error)
	ClearBlock(ctx context.Context, name string) error
}

// Router picks the provider to submit to and remembers which providers are
// blocked after quota or rate-limit rejections.
type Router struct {
	primary   string
	fallbacks []string
	store     BlockStore
	log       *slog.Logger
	now       func() time.Time
}

// NewRouter creates a Router. A nil store keeps block state in memory.
func NewRouter(primary string, fallbacks []string, store BlockStore, logger *slog.Logger) *Router {
	if store == nil {
		store = NewMemoryBlockStore()
	}
	return &Router{
		primary:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		store:     store,
		log:       logger,
		now:       time.Now,
	}
}

// Primary returns the configured primary provider.
func (r *Router) Primary() string {
	return r.primary
}

// Block marks name unavailable for d. A non-positive d yields a block that has already expired.
func (r *Router) Block(ctx context.Context, name string, d time.Duration) {
	until := r.now().Add(d)
	if err := r.store.SetBlock(ctx, name, until); err != nil {
		r.log.Error("store provider block", "provider", name, "err", err)
		return
	}
	if d > 0 {
		r.log.Warn("provider blocked", "provider", name, "until", until)
	}
}

// IsAvailable reports whether name is unblocked. Expired blocks are removed.
// Store errors count as available so that a broken store cannot stop all submissions.
func (r *Router) IsAvailable(ctx context.Context, name string) bool {
	until, ok, err := r.store.BlockedUntil(ctx, name)
	if err != nil {
		r.log.Error("read provider block", "provider", name, "err", err)
		return true
	}
	if !ok {
		return true
	}
	if !r.now().Before(until) {
		if err := r.store.ClearBlock(ctx, name); err != nil {
			r.log.Warn("clear expired provider block", "provider", name, "err", err)
		}
		return true
	}
	return false
}

// Active returns the primary provider if available, else the first available
// fallback. When every provider is blocked the primary is returned anyway;
// callers must not read the result as a guarantee of availability.
func (r *Router) Active(ctx context.Context) string {
	if r.IsAvailable(ctx, r.primary) {
		return r.primary
	}
	for _, fb := range r.fallbacks {
		if fb != r.primary && r.IsAvailable(ctx, fb) {
			r.log.Info("routing to fallback provider", "primary", r.primary, "provider", fb)
			return fb
		}
	}
	return r.primary
}

// MemoryBlockStore keeps blocks in process memory.
type MemoryBlockStore struct {
	mu      sync.Mutex
	blocked map[string]time.Time
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocked: make(map[string]time.Time)}
}

func (m *MemoryBlockStore) SetBlock(_ context.Context, name string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[name] = until
	return nil
}

func (m *MemoryBlockStore) BlockedUntil(_ context.Context, name string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blocked[name]
	return until, ok, nil
}

func (m *MemoryBlockStore) ClearBlock(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, name)
	return nil
}

// RedisBlockStore shares blocks between replicas. Keys expire with the block.
type RedisBlockStore struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisBlockStore(rdb redis.Cmdable) *RedisBlockStore {
	return &RedisBlockStore{rdb: rdb, prefix: "clipforge:provider:block:", now: time.Now}
}

func (s *RedisBlockStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisBlockStore) SetBlock(ctx context.Context, name string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.key(name)).Err()
	}
	return s.rdb.Set(ctx, s.key(name), strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (s *RedisBlockStore) BlockedUntil(ctx context.Context, name string) (time.Time, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse block of %s: %w", name, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *RedisBlockStore) ClearBlock(ctx context.Context, name string) error {
	return s.rdb.Del(ctx, s.key(name)).Err()
}
