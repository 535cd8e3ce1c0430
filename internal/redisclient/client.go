package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/acquire_session_slot.lua
var acquireSlotScript string

//go:embed scripts/release_session_slot.lua
var releaseSlotScript string

type Client struct {
	rdb           *redis.Client
	acquireScript *redis.Script
	releaseScript *redis.Script
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

	return &Client{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireSlotScript),
		releaseScript: redis.NewScript(releaseSlotScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func machineKey(machineID string) string {
	return fmt.Sprintf("machine_sessions:%s", machineID)
}

// AcquireSessionSlot atomically claims a concurrent-session slot for a
// machine. Returns false when the machine is at its limit. The counter is a
// cache: the reconciler periodically replaces it from the durable store.
func (c *Client) AcquireSessionSlot(ctx context.Context, machineID string, max int) (bool, error) {
	result, err := c.acquireScript.Run(ctx, c.rdb, []string{machineKey(machineID)}, max).Result()
	if err != nil {
		return false, fmt.Errorf("acquire session slot script failed: %w", err)
	}

	granted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return granted == 1, nil
}

// ReleaseSessionSlot frees one concurrent-session slot for a machine
func (c *Client) ReleaseSessionSlot(ctx context.Context, machineID string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{machineKey(machineID)}).Result()
	if err != nil {
		return fmt.Errorf("release session slot script failed: %w", err)
	}
	return nil
}

// SetSessionCount replaces a machine's counter with the store-derived truth.
// Reconciliation replaces rather than increments because the cache drifts
// across process restarts.
func (c *Client) SetSessionCount(ctx context.Context, machineID string, count int) error {
	return c.rdb.Set(ctx, machineKey(machineID), count, 0).Err()
}

// GetSessionCount reads a machine's cached counter
func (c *Client) GetSessionCount(ctx context.Context, machineID string) (int, error) {
	count, err := c.rdb.Get(ctx, machineKey(machineID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// NextCorrelationSeq returns the next value of the per-day payment sequence.
// The key expires after two days so sequences restart naturally.
func (c *Client) NextCorrelationSeq(ctx context.Context, day string) (int64, error) {
	key := fmt.Sprintf("corrseq:%s", day)

	seq, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("correlation sequence incr failed: %w", err)
	}
	if seq == 1 {
		_ = c.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}
	return seq, nil
}

// ClaimWebhook claims a webhook delivery for processing. Returns false when
// another delivery of the same callback already claimed it.
func (c *Client) ClaimWebhook(ctx context.Context, correlationID, statusCode string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("webhook:%s:%s", correlationID, statusCode)
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// CacheCatalogModel caches a partner model mapping as a hash
func (c *Client) CacheCatalogModel(ctx context.Context, brandID, modelID, partnerModelID, partnerShellID string) error {
	key := fmt.Sprintf("catalog:%s:%s", brandID, modelID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "partner_model_id", partnerModelID)
	pipe.HSet(ctx, key, "partner_shell_id", partnerShellID)
	pipe.Expire(ctx, key, 24*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedCatalogModel reads a cached partner model mapping
func (c *Client) GetCachedCatalogModel(ctx context.Context, brandID, modelID string) (partnerModelID, partnerShellID string, err error) {
	key := fmt.Sprintf("catalog:%s:%s", brandID, modelID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return "", "", err
	}
	if len(result) == 0 {
		return "", "", fmt.Errorf("catalog model not cached: %s/%s", brandID, modelID)
	}
	return result["partner_model_id"], result["partner_shell_id"], nil
}
