package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked token IDs and per-user revocation cutoffs.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
	// RevokeUser invalidates every token for userID issued at or before since.
	// The cutoff only needs to live as long as the longest token lifetime.
	RevokeUser(userID string, since time.Time, ttl time.Duration) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revocations in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]memoryCutoff
	now     func() time.Time
}

type memoryCutoff struct {
	at      time.Time
	expires time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]memoryCutoff),
		now:     time.Now,
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[tokenID] = r.now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if r.now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeUser records a cutoff. Older cutoffs never replace newer ones.
func (r *MemoryTokenRevoker) RevokeUser(userID string, since time.Time, ttl time.Duration) error {
	if userID == "" {
		return errors.New("user id required")
	}
	since = since.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cutoffs[userID]; ok && prev.at.After(since) {
		return nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = r.now().Add(ttl)
	}
	r.cutoffs[userID] = memoryCutoff{at: since, expires: expires}
	return nil
}

// RevokedAfter returns the user's cutoff, or zero time when none applies.
func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cutoffs[userID]
	if !ok {
		return time.Time{}, nil
	}
	if !c.expires.IsZero() && r.now().After(c.expires) {
		delete(r.cutoffs, userID)
		return time.Time{}, nil
	}
	return c.at, nil
}

// RedisTokenRevoker stores revocations in Redis with TTL.
type RedisTokenRevoker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// keepNewerCutoff only overwrites the stored cutoff when the new one is later.
var keepNewerCutoff = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local incoming = tonumber(ARGV[1])
if current and tonumber(current) >= incoming then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// NewRedisTokenRevoker builds a Redis-backed revoker.
func NewRedisTokenRevoker(client redis.UniversalClient) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client, timeout: 3 * time.Second}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// RevokeUser records a cutoff in unix nanoseconds.
func (r *RedisTokenRevoker) RevokeUser(userID string, since time.Time, ttl time.Duration) error {
	if userID == "" {
		return errors.New("user id required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return keepNewerCutoff.Run(ctx, r.client,
		[]string{userCutoffKey(userID)},
		since.UTC().UnixNano(), ttl.Milliseconds(),
	).Err()
}

// RevokedAfter returns the user's cutoff, or zero time when none applies.
func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	raw, err := r.client.Get(ctx, userCutoffKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func revocationKey(tokenID string) string {
	return "supportdesk:revoked:" + tokenID
}

func userCutoffKey(userID string) string {
	return "supportdesk:revoked_user:" + userID
}
