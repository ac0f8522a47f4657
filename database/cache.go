package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const absentStatus = "none"

// OpenRedis creates a client and pings it to validate the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty redis addr")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// CachedStore caches the status of each user in Redis. The wrapped Store
// stays authoritative: every write drops the user's key and bumps its
// version before and after delegating, and any Redis failure falls back to
// the wrapped Store.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{Store: inner, client: client, ttl: ttl, log: log}
}

func (c *CachedStore) key(id int64) string {
	return fmt.Sprintf("gatekeeper:status:%d", id)
}

// versionKey is bumped by every write. Readers watch it so that a fill
// racing a write is discarded instead of caching the older status.
func (c *CachedStore) versionKey(id int64) string {
	return fmt.Sprintf("gatekeeper:status:ver:%d", id)
}

func (c *CachedStore) status(ctx context.Context, id int64) (string, error) {
	v, err := c.client.Get(ctx, c.key(id)).Result()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Int64("user_id", id).Msg("status cache read failed")
	}

	var (
		status  string
		read    bool
		readErr error
	)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		status, readErr = c.readStatus(ctx, id)
		read = true
		if readErr != nil {
			return readErr
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(id), status, c.ttl)
			return nil
		})
		return err
	}, c.versionKey(id))

	switch {
	case readErr != nil:
		return "", readErr
	case !read:
		c.log.Warn().Err(err).Int64("user_id", id).Msg("status cache unavailable")
		return c.readStatus(ctx, id)
	case errors.Is(err, redis.TxFailedErr):
		c.log.Debug().Int64("user_id", id).Msg("status changed during fill, not cached")
	case err != nil:
		c.log.Warn().Err(err).Int64("user_id", id).Msg("status cache write failed")
	}
	return status, nil
}

func (c *CachedStore) readStatus(ctx context.Context, id int64) (string, error) {
	u, err := c.Store.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	if u == nil {
		return absentStatus, nil
	}
	return string(u.Status), nil
}

func (c *CachedStore) IsVerified(ctx context.Context, id int64) (bool, error) {
	s, err := c.status(ctx, id)
	return s == string(StatusVerified), err
}

func (c *CachedStore) IsBlocked(ctx context.Context, id int64) (bool, error) {
	s, err := c.status(ctx, id)
	return s == string(StatusBlocked), err
}

func (c *CachedStore) invalidate(ctx context.Context, id int64) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(id))
		pipe.Incr(ctx, c.versionKey(id))
		pipe.Expire(ctx, c.versionKey(id), c.ttl)
		return nil
	})
	if err != nil {
		c.log.Warn().Err(err).Int64("user_id", id).Msg("status cache invalidation failed")
	}
}

func (c *CachedStore) write(ctx context.Context, id int64, fn func() error) error {
	c.invalidate(ctx, id)
	err := fn()
	c.invalidate(ctx, id)
	return err
}

func (c *CachedStore) UpsertUser(ctx context.Context, p UserParams) error {
	return c.write(ctx, p.ID, func() error { return c.Store.UpsertUser(ctx, p) })
}

func (c *CachedStore) AddPending(ctx context.Context, id, chatID int64, name, question, answer string) error {
	return c.write(ctx, id, func() error { return c.Store.AddPending(ctx, id, chatID, name, question, answer) })
}

func (c *CachedStore) ResolvePendingSuccess(ctx context.Context, id int64, name string) error {
	return c.write(ctx, id, func() error { return c.Store.ResolvePendingSuccess(ctx, id, name) })
}

func (c *CachedStore) BlockKnownUser(ctx context.Context, id int64, username string) (bool, error) {
	var changed bool
	err := c.write(ctx, id, func() error {
		var err error
		changed, err = c.Store.BlockKnownUser(ctx, id, username)
		return err
	})
	return changed, err
}

func (c *CachedStore) RemovePending(ctx context.Context, id int64) error {
	return c.write(ctx, id, func() error { return c.Store.RemovePending(ctx, id) })
}

func (c *CachedStore) RemoveUserIfBlocked(ctx context.Context, id int64) error {
	return c.write(ctx, id, func() error { return c.Store.RemoveUserIfBlocked(ctx, id) })
}

// Close closes the wrapped store; the Redis client is owned by the caller.
func (c *CachedStore) Close() error {
	return c.Store.Close()
}

var _ Store = (*CachedStore)(nil)
