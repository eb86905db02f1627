package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UrgentPriority and above jump the agent queue.
const UrgentPriority = 8

// RedisChannel pushes deliveries onto a per-agent Redis list that the agent
// gateway drains from the head.
type RedisChannel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisChannel constructs RedisChannel. Undrained queues expire after ttl.
func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisChannel{client: client, ttl: ttl}
}

// QueueKey returns the list an agent reads its commands from.
func QueueKey(agentID uuid.UUID) string {
	return fmt.Sprintf("agents:%s:commands", agentID)
}

// Deliver enqueues d for its agent.
func (c *RedisChannel) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := QueueKey(d.AgentID)
	pipe := c.client.TxPipeline()
	if d.Priority >= UrgentPriority {
		pipe.LPush(ctx, key, body)
	} else {
		pipe.RPush(ctx, key, body)
	}
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deliver command %s: %w", d.CommandID, err)
	}
	return nil
}
