package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

const (
	availabilityTTL = 10 * time.Minute
	processedTTL    = 24 * time.Hour
)

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	extendScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		extendScript:  redis.NewScript(extendLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func availabilityKey(productID int64) string {
	return fmt.Sprintf("availability:%d", productID)
}

// SetAvailability caches the sellable quantity of a product
func (c *Client) SetAvailability(ctx context.Context, productID int64, available int) error {
	return c.rdb.Set(ctx, availabilityKey(productID), available, availabilityTTL).Err()
}

// GetAvailability returns the cached quantity and whether there was an entry
func (c *Client) GetAvailability(ctx context.Context, productID int64) (int, bool, error) {
	val, err := c.rdb.Get(ctx, availabilityKey(productID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt availability for product %d: %w", productID, err)
	}
	return n, true, nil
}

// MarkProcessed records an inbound event id. It returns false when the id was
// already recorded.
func (c *Client) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("processed:%s", eventID), 1, processedTTL).Result()
}

// Forget removes a processed mark
func (c *Client) Forget(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("processed:%s", eventID)).Err()
}

// Lock is a held distributed lock
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock acquires a distributed lock. It returns nil without error when
// another owner holds it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("lock:%s", lockKey)
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Release deletes the lock if it is still ours
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// Extend resets the lock TTL. It returns false if the lock was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := l.client.extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock script failed: %w", err)
	}
	return res == 1, nil
}
