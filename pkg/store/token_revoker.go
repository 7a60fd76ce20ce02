package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "bookloan:revoked"

// TokenRevoker remembers logged-out access-token IDs until the token would
// have expired on its own.
type TokenRevoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// MemoryTokenRevoker is a single-process revocation list. Entries are swept
// lazily on lookup.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{expires: make(map[string]time.Time), now: time.Now}
}

// Revoke blocks jti for ttl. A non-positive ttl means the token is already
// expired and nothing is stored.
func (r *MemoryTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 || jti == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expires[jti] = r.now().Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.expires[jti]
	switch {
	case !ok:
		return false, nil
	case r.now().After(until):
		delete(r.expires, jti)
		return false, nil
	default:
		return true, nil
	}
}

// RedisTokenRevoker shares the revocation list between the auth service,
// which writes it on logout, and resource services, which read it.
type RedisTokenRevoker struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisTokenRevoker builds a revoker on an existing Redis client.
func NewRedisTokenRevoker(client redis.UniversalClient, prefix string) (*RedisTokenRevoker, error) {
	if client == nil {
		return nil, errors.New("token revoker redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	return &RedisTokenRevoker{client: client, prefix: prefix, timeout: 3 * time.Second}, nil
}

// Revoke stores jti with a TTL so Redis drops it once the token is dead anyway.
func (r *RedisTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 || jti == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.key(jti), "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisTokenRevoker) key(jti string) string {
	return r.prefix + ":" + jti
}
