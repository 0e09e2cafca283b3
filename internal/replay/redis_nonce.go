package replay

import (
	"context"
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisNonceStore is a NonceStore backed by Redis SETNX, for deployments
// that run replay protection across multiple server processes sharing one
// cache — the in-memory MemoryNonceStore only protects a single process.
//
// Grounded on Generativebots-ocx-backend-go-svc's internal/infra
// GoRedisAdapter: same client construction (dial/read/write timeouts, pool
// size), same "ping once at construction, return the error to the caller
// to decide on in-memory fallback" shape.
type RedisNonceStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisNonceStore connects to addr and verifies connectivity before
// returning. Callers should fall back to NewMemoryNonceStore if this
// returns an error (the nonce store is best-effort replay protection, not
// the record of truth).
func NewRedisNonceStore(ctx context.Context, addr, password string, db int) (*RedisNonceStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	log.Info().Str("addr", addr).Msg("replay nonce store connected to redis")
	return &RedisNonceStore{rdb: rdb, prefix: "asap:nonce:"}, nil
}

func (s *RedisNonceStore) Close() error {
	return s.rdb.Close()
}

// IsUsed reports whether nonce is currently tracked. Context-less to
// satisfy the NonceStore interface; a background context is used since a
// cache probe should never block the caller's cancellation chain for long.
func (s *RedisNonceStore) IsUsed(nonce string) bool {
	n, err := s.rdb.Exists(context.Background(), s.prefix+nonce).Result()
	if err != nil {
		// Fail open on cache errors: the replay window guard (C5's other
		// half) still bounds damage, and a Redis outage must not become a
		// denial-of-service against legitimate senders.
		log.Warn().Err(err).Msg("nonce store EXISTS failed, treating as unused")
		return false
	}
	return n > 0
}

// MarkUsed records nonce with the given TTL. Redis expires the key itself,
// so no probabilistic sweep is needed here (unlike MemoryNonceStore) —
// eviction is delegated to the store.
func (s *RedisNonceStore) MarkUsed(nonce string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.rdb.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return asaperr.New(asaperr.CategoryClient, asaperr.CodeRemoteError, err.Error())
	}
	if !ok {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeNonceReuse, "nonce already used")
	}
	return nil
}
