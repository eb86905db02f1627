package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// ErrClaimPending is returned when a concurrent submission holds the key and
// did not bind a command before the wait expired.
var ErrClaimPending = errors.New("idempotent submission still in progress")

// Window reserves idempotency keys in Redis for a fixed TTL. The first caller
// wins the SETNX and later binds the created command id; concurrent callers
// wait for the binding.
type Window struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewWindow constructs Window.
func NewWindow(client *redis.Client, ttl time.Duration) *Window {
	return &Window{client: client, ttl: ttl, wait: 3 * time.Second, poll: 20 * time.Millisecond}
}

// Claim reserves key. When the key is already bound it returns the existing
// command id with claimed=false.
func (w *Window) Claim(ctx context.Context, key string) (uuid.UUID, bool, error) {
	ok, err := w.client.SetNX(ctx, key, pendingMarker, w.ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return uuid.Nil, true, nil
	}

	deadline := time.Now().Add(w.wait)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		val, err := w.client.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// The holder released the key after a failure; try to take it.
			return w.Claim(ctx, key)
		case err != nil:
			return uuid.Nil, false, err
		case val != pendingMarker:
			id, err := uuid.Parse(val)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("corrupt idempotency binding %q: %w", key, err)
			}
			return id, false, nil
		}
		if time.Now().After(deadline) {
			return uuid.Nil, false, ErrClaimPending
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Bind records the command id created under key, keeping the remaining TTL.
func (w *Window) Bind(ctx context.Context, key string, id uuid.UUID) error {
	return w.client.Set(ctx, key, id.String(), redis.KeepTTL).Err()
}

// Release frees a claimed key so a retry can create the command.
func (w *Window) Release(ctx context.Context, key string) error {
	return w.client.Del(ctx, key).Err()
}
