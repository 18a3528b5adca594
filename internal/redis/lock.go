// Package redis provides the cross-process pieces: a lease-based lock for
// single-flight data refresh, and the hash sink strategy performance
// numbers are published to.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/minjae-oh/quantcore/internal/logging"
)

var log = logging.New("redis")

// releaseScript deletes the lock only if this process still owns it, so
// a lease that expired and was re-acquired elsewhere is never released
// out from under the new holder.
var releaseScript = goredis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Client wraps a redis connection for locking and metrics.
type Client struct {
	rdb *goredis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// New connects and pings.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb, tokens: make(map[string]string)}, nil
}

// Acquire takes the named lock for the lease duration. Non-blocking: a
// false return means another holder has it.
func (c *Client) Acquire(ctx context.Context, name string, lease time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(name), token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if ok {
		c.mu.Lock()
		c.tokens[name] = token
		c.mu.Unlock()
		log.Debug("Lock acquired", "name", name, "lease", lease)
	}
	return ok, nil
}

// Release frees the named lock if still held by this client.
func (c *Client) Release(ctx context.Context, name string) error {
	c.mu.Lock()
	token, held := c.tokens[name]
	delete(c.tokens, name)
	c.mu.Unlock()
	if !held {
		return nil
	}
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// Write stores one performance window value in the entity's hash, e.g.
// HSET strategy:7:performance 30d 0.042.
func (c *Client) Write(ctx context.Context, entityID, window string, value float64) error {
	key := entityID + ":performance"
	if err := c.rdb.HSet(ctx, key, window, value).Err(); err != nil {
		return fmt.Errorf("writing %s/%s: %w", key, window, err)
	}
	return nil
}

// Close shuts the connection pool down.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func lockKey(name string) string {
	return "lock:" + name
}
