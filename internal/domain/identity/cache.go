package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"
)

const (
	actorKeyPrefix  = "phi:actor:"
	clientKeyPrefix = "phi:client:"
)

// CacheClient is the subset of the go-redis client used by the cache.
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Lookup is what the access policy consumes from a directory.
type Lookup interface {
	hipaa.ActorDirectory
	hipaa.ClientDirectory
}

// CachedDirectory keeps actor and client lookups in Redis for ttl. Only hits
// are cached, so a new user is visible immediately; a reassigned client may
// keep its previous practitioner for up to ttl. Redis errors fall through to
// the underlying directory.
type CachedDirectory struct {
	next   Lookup
	client CacheClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(next Lookup, client CacheClient, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "identity-cache").Logger(),
	}
}

func (d *CachedDirectory) GetActor(ctx context.Context, id string) (*hipaa.Actor, error) {
	var actor hipaa.Actor
	if d.read(ctx, actorKeyPrefix+id, &actor) {
		return &actor, nil
	}

	a, err := d.next.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	d.write(ctx, actorKeyPrefix+id, a)
	return a, nil
}

func (d *CachedDirectory) GetClient(ctx context.Context, ownerID string) (*hipaa.ClientAssignment, error) {
	var ca hipaa.ClientAssignment
	if d.read(ctx, clientKeyPrefix+ownerID, &ca) {
		return &ca, nil
	}

	c, err := d.next.GetClient(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	d.write(ctx, clientKeyPrefix+ownerID, c)
	return c, nil
}

func (d *CachedDirectory) read(ctx context.Context, key string, dst any) bool {
	data, err := d.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		d.logger.Warn().Err(err).Msg("cache read failed")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		d.logger.Warn().Err(err).Msg("cache entry is corrupt")
		return false
	}
	return true
}

func (d *CachedDirectory) write(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.logger.Warn().Err(err).Msg("cache write failed")
	}
}
