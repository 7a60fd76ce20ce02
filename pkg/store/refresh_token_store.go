package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates an already rotated token was presented again.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore persists refresh tokens. Each rotation retires the
// presented token; presenting a retired token revokes its whole family.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
}

type refreshEntry struct {
	userID  string
	family  string
	retired bool
	expiry  time.Time
}

// MemoryRefreshTokenStore keeps refresh tokens in memory.
type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	entries  map[string]refreshEntry       // token hash -> entry
	families map[string]map[string]struct{} // family -> token hashes
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		entries:  make(map[string]refreshEntry),
		families: make(map[string]map[string]struct{}),
	}
}

// NewToken issues a token starting a new family.
func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	family, err := randomToken(12)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID, family, ttl)
}

func (s *MemoryRefreshTokenStore) issueLocked(userID, family string, ttl time.Duration) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	hash := refreshTokenHash(token)
	s.entries[hash] = refreshEntry{userID: userID, family: family, expiry: time.Now().Add(ttl)}
	if s.families[family] == nil {
		s.families[family] = make(map[string]struct{})
	}
	s.families[family][hash] = struct{}{}
	return token, nil
}

// RotateToken retires token and issues its successor in the same family.
func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	if time.Now().After(entry.expiry) {
		s.revokeFamilyLocked(entry.family)
		return "", "", ErrInvalidRefreshToken
	}
	if entry.retired {
		s.revokeFamilyLocked(entry.family)
		return "", "", ErrRefreshTokenReplay
	}
	entry.retired = true
	s.entries[hash] = entry
	next, err := s.issueLocked(entry.userID, entry.family, ttl)
	if err != nil {
		return "", "", err
	}
	return entry.userID, next, nil
}

// DeleteToken revokes the family containing token.
func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[refreshTokenHash(token)]; ok {
		s.revokeFamilyLocked(entry.family)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) revokeFamilyLocked(family string) {
	for hash := range s.families[family] {
		delete(s.entries, hash)
	}
	delete(s.families, family)
}

// RedisRefreshTokenStore stores refresh tokens in Redis.
// Layout: token hash -> hash{userId, family, retired}; family -> set of hashes.
type RedisRefreshTokenStore struct {
	client redis.UniversalClient
}

// NewRedisRefreshTokenStore builds a refresh token store on an existing Redis client.
func NewRedisRefreshTokenStore(client redis.UniversalClient) (*RedisRefreshTokenStore, error) {
	if client == nil {
		return nil, errors.New("refresh token redis client is required")
	}
	return &RedisRefreshTokenStore{client: client}, nil
}

// NewToken issues a token starting a new family.
func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	family, err := randomToken(12)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueRefreshToken(ctx, pipe, refreshTokenHash(token), userID, family, ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RotateToken retires token and issues its successor in the same family.
func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	key := refreshTokenRedisKey(hash)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		var (
			userID, family, next string
			replay               bool
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			userID, family = data["userId"], data["family"]
			if userID == "" || family == "" {
				return ErrInvalidRefreshToken
			}
			if data["retired"] == "1" {
				replay = true
				return ErrRefreshTokenReplay
			}
			next, err = randomToken(32)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "retired", "1")
				queueRefreshToken(ctx, pipe, refreshTokenHash(next), userID, family, ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if replay {
				_ = s.revokeFamily(ctx, family)
			}
			return "", "", err
		}
		return userID, next, nil
	}
}

// DeleteToken revokes the family containing token.
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	family, err := s.client.HGet(ctx, refreshTokenRedisKey(refreshTokenHash(token)), "family").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.revokeFamily(ctx, family)
}

func (s *RedisRefreshTokenStore) revokeFamily(ctx context.Context, family string) error {
	if family == "" {
		return nil
	}
	familyKey := refreshFamilyRedisKey(family)
	hashes, err := s.client.SMembers(ctx, familyKey).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, refreshTokenRedisKey(h))
	}
	keys = append(keys, familyKey)
	return s.client.Del(ctx, keys...).Err()
}

func queueRefreshToken(ctx context.Context, pipe redis.Pipeliner, hash, userID, family string, ttl time.Duration) {
	key := refreshTokenRedisKey(hash)
	pipe.HSet(ctx, key, map[string]any{"userId": userID, "family": family, "retired": "0"})
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, refreshFamilyRedisKey(family), hash)
	pipe.Expire(ctx, refreshFamilyRedisKey(family), ttl)
}

func refreshTokenRedisKey(hash string) string {
	return "bookloan:refresh:token:" + hash
}

func refreshFamilyRedisKey(family string) string {
	return "bookloan:refresh:family:" + family
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
