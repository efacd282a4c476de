package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/pkg/database"
)

const DefaultCacheTTL = 30 * time.Second

// Cached keeps group memberships and relationship peers in Redis for a short
// TTL. Redis errors fall through to the wrapped Directory. Broadcast pages and
// permission checks are never cached.
type Cached struct {
	Directory
	client *redis.Client
	ttl    time.Duration
}

func NewCached(next Directory, client *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{Directory: next, client: client, ttl: ttl}
}

func (c *Cached) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return c.cached(ctx, database.KeyPrefixGroupMembers+groupID.String(), func() ([]uuid.UUID, error) {
		return c.Directory.GroupMembers(ctx, groupID)
	})
}

func (c *Cached) RelationshipPeers(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return c.cached(ctx, database.KeyPrefixRelationshipOf+userID.String(), func() ([]uuid.UUID, error) {
		return c.Directory.RelationshipPeers(ctx, userID)
	})
}

func (c *Cached) cached(ctx context.Context, key string, load func() ([]uuid.UUID, error)) ([]uuid.UUID, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ids []uuid.UUID
		if jsonErr := json.Unmarshal(val, &ids); jsonErr == nil {
			return ids, nil
		}
		c.client.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("key", key).Msg("Directory cache read failed")
	}

	ids, err := load()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ids); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Directory cache write failed")
		}
	}
	return ids, nil
}
