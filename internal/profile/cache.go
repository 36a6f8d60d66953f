package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// Cache is a read-through Redis cache in front of a Directory. Redis errors
// never fail a lookup; the directory is consulted instead.
type Cache struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache wraps next with a Redis cache whose entries live for ttl.
func NewCache(next Directory, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

type cachedProfile struct {
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
	ImageURL    string `json:"image_url"`
}

// Lookup serves the profile from Redis when present, otherwise from the
// directory, populating the cache on success.
func (c *Cache) Lookup(ctx context.Context, userID string) (domain.Profile, error) {
	key := cacheKey(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cp cachedProfile
		if err := json.Unmarshal(data, &cp); err == nil {
			return domain.Profile{DisplayName: cp.DisplayName, Handle: cp.Handle, ImageURL: cp.ImageURL}, nil
		}
		c.logger.Warn("discarding corrupt cached profile", "user_id", userID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
	}

	p, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}

	encoded, err := json.Marshal(cachedProfile{DisplayName: p.DisplayName, Handle: p.Handle, ImageURL: p.ImageURL})
	if err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("profile cache write failed", "user_id", userID, "error", err)
		}
	}
	return p, nil
}

// Save writes through to the directory and evicts the cached entry.
func (c *Cache) Save(ctx context.Context, userID string, rec Record) error {
	if err := c.next.Save(ctx, userID, rec); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		c.logger.Warn("profile cache evict failed", "user_id", userID, "error", err)
	}
	return nil
}

func cacheKey(userID string) string {
	return "profile:" + userID
}
