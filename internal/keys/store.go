package keys

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoKey means no unexpired key exists for the class.
var ErrNoKey = errors.New("no current key for this class")

// KeyStore holds at most one current proof-of-presence key per class. Put
// replaces the previous key outright, so stale keys are never resolvable as
// current; the TTL is the hard backstop when the rotator stops.
type KeyStore interface {
	Put(ctx context.Context, classID, key string, ttl time.Duration) error
	Get(ctx context.Context, classID string) (string, error)
}

// RedisStore keeps keys in Redis under one value per class; SET with EX
// gives both the replace-on-write and the expiry semantics.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rollcall:key"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(classID string) string {
	return s.prefix + ":" + classID
}

// Put stores the key, replacing any previous one for the class.
func (s *RedisStore) Put(ctx context.Context, classID, key string, ttl time.Duration) error {
	return s.client.Set(ctx, s.redisKey(classID), key, ttl).Err()
}

// Get returns the current key or ErrNoKey.
func (s *RedisStore) Get(ctx context.Context, classID string) (string, error) {
	val, err := s.client.Get(ctx, s.redisKey(classID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoKey
		}
		return "", err
	}
	return val, nil
}

// MemoryStore is a map-backed KeyStore for dev/testing.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]memoryKey
	now  func() time.Time
}

type memoryKey struct {
	key       string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]memoryKey),
		now:  time.Now,
	}
}

// Put stores the key with its expiry.
func (s *MemoryStore) Put(ctx context.Context, classID, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[classID] = memoryKey{key: key, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns the current key, treating an expired entry as absent.
func (s *MemoryStore) Get(ctx context.Context, classID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.keys[classID]
	if !ok || !entry.expiresAt.After(s.now()) {
		delete(s.keys, classID)
		return "", ErrNoKey
	}
	return entry.key, nil
}
