// Package cache provides the Redis cache-aside layer. Cached entries are a
// disposable replica of OLTP truth: every reader tolerates a miss or a stale
// value, and no mutation path ever trusts the cache over the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/model"
)

// Config is the Redis endpoint configuration.
type Config struct {
	Addr     string `long:"addr" env:"ADDR" default:"localhost:6379" description:"Redis address"`
	Password string `long:"password" env:"PASSWORD" default:"" description:"Redis password"`
	DB       int    `long:"db" env:"DB" default:"0" description:"Redis database number"`

	AssignmentTTL time.Duration `long:"assignment-ttl" env:"ASSIGNMENT_TTL" default:"168h" description:"Assignment entry TTL"`
}

// Cache wraps a shared Redis client.
type Cache struct {
	client        *redis.Client
	assignmentTTL time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	var client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	log.WithField("addr", cfg.Addr).Info("connected to redis")
	return &Cache{client: client, assignmentTTL: cfg.AssignmentTTL}, nil
}

// Close releases the client.
func (c *Cache) Close() error { return c.client.Close() }

// AssignmentKey is the cache key for one (experiment, user) assignment.
func AssignmentKey(experimentID int64, userID string) string {
	return fmt.Sprintf("assignment:v1:exp:%d:user:%s", experimentID, userID)
}

// GetAssignment probes the cache. A miss or a cache failure both return nil:
// cache errors are logged and bypassed, never surfaced, because the OLTP
// path is authoritative.
func (c *Cache) GetAssignment(ctx context.Context, experimentID int64, userID string) *model.Assignment {
	raw, err := c.client.Get(ctx, AssignmentKey(experimentID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		log.WithError(err).Warn("assignment cache read failed; falling through to database")
		return nil
	}
	var a model.Assignment
	if err = json.Unmarshal(raw, &a); err != nil {
		log.WithError(err).Warn("discarding undecodable cached assignment")
		return nil
	}
	return &a
}

// SetAssignment populates the cache with the stored assignment. Failures are
// logged and swallowed.
func (c *Cache) SetAssignment(ctx context.Context, a *model.Assignment) {
	raw, err := json.Marshal(a)
	if err != nil {
		log.WithError(err).Warn("encoding assignment for cache")
		return
	}
	if err = c.client.Set(ctx, AssignmentKey(a.ExperimentID, a.UserID), raw, c.assignmentTTL).Err(); err != nil {
		log.WithError(err).Warn("assignment cache write failed")
	}
}

// GetAssignments issues a single MGET across experiments for one user,
// returning hits keyed by experiment id.
func (c *Cache) GetAssignments(ctx context.Context, userID string, experimentIDs []int64) map[int64]*model.Assignment {
	if len(experimentIDs) == 0 {
		return nil
	}
	var keys = make([]string, len(experimentIDs))
	for i, id := range experimentIDs {
		keys[i] = AssignmentKey(id, userID)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.WithError(err).Warn("assignment cache mget failed; falling through to database")
		return nil
	}

	var out = make(map[int64]*model.Assignment, len(experimentIDs))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a model.Assignment
		if err = json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out[experimentIDs[i]] = &a
	}
	return out
}

// SetAssignments writes many entries through one pipeline round trip.
func (c *Cache) SetAssignments(ctx context.Context, assignments []model.Assignment) {
	if len(assignments) == 0 {
		return
	}
	var pipe = c.client.Pipeline()
	for i := range assignments {
		raw, err := json.Marshal(&assignments[i])
		if err != nil {
			continue
		}
		pipe.Set(ctx, AssignmentKey(assignments[i].ExperimentID, assignments[i].UserID), raw, c.assignmentTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Warn("assignment cache pipeline failed")
	}
}

// DeleteAssignment drops one cached assignment.
func (c *Cache) DeleteAssignment(ctx context.Context, experimentID int64, userID string) {
	if err := c.client.Del(ctx, AssignmentKey(experimentID, userID)).Err(); err != nil {
		log.WithError(err).Warn("assignment cache delete failed")
	}
}

// InvalidateExperiment removes every cached assignment for an experiment via
// a cursor scan, used when a draft's variant set is edited. Returns the
// number of keys removed.
func (c *Cache) InvalidateExperiment(ctx context.Context, experimentID int64) int64 {
	var pattern = fmt.Sprintf("assignment:v1:exp:%d:user:*", experimentID)
	var cursor uint64
	var removed int64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			log.WithError(err).Warn("assignment cache scan failed")
			return removed
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				log.WithError(err).Warn("assignment cache delete failed")
			}
			removed += n
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if removed > 0 {
		log.WithFields(log.Fields{"experiment": experimentID, "keys": removed}).
			Info("invalidated assignment cache entries")
	}
	return removed
}

// GetJSON reads an arbitrary cached document into out, reporting whether it
// was present. Used by the results engine's response cache.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	} else if err != nil {
		log.WithError(err).Warn("cache read failed")
		return false
	}
	if err = json.Unmarshal(raw, out); err != nil {
		log.WithError(err).Warn("discarding undecodable cache entry")
		return false
	}
	return true
}

// SetJSON stores an arbitrary document with its own TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Warn("encoding cache entry")
		return
	}
	if err = c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		log.WithError(err).Warn("cache write failed")
	}
}
