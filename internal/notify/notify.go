// Package notify keeps the per-user push token registry. Registration and
// removal are fire-and-forget: a token that cannot be written is logged and
// dropped, never an error the caller sees, so login and logout always
// complete.
package notify

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"barnehage/presence/internal/fallback"
)

const tokenKeyPrefix = "push_tokens:"

// Registry stores push tokens per user in redis hashes, token -> unix
// seconds of registration. A nil client disables the registry without
// changing caller behavior.
type Registry struct {
	rdb      *redis.Client
	resolver *fallback.Resolver
	ttl      time.Duration
}

func NewRegistry(rdb *redis.Client, resolver *fallback.Resolver, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Registry{rdb: rdb, resolver: resolver, ttl: ttl}
}

// Register records token for userID. Never returns an error to the caller.
func (r *Registry) Register(ctx context.Context, userID, token string) {
	if r.rdb == nil || token == "" {
		return
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	_ = r.resolver.Do(ctx, fallback.Site{Name: "notify.register_token", Policy: fallback.BestEffort}, func(ctx context.Context) error {
		return r.rdb.HSet(ctx, tokenKeyPrefix+userID, token, now).Err()
	})
}

// Unregister removes token for userID. Logout must complete even when the
// registry is down, so failures are swallowed.
func (r *Registry) Unregister(ctx context.Context, userID, token string) {
	if r.rdb == nil || token == "" {
		return
	}
	_ = r.resolver.Do(ctx, fallback.Site{Name: "notify.unregister_token", Policy: fallback.BestEffort}, func(ctx context.Context) error {
		return r.rdb.HDel(ctx, tokenKeyPrefix+userID, token).Err()
	})
}

// Tokens returns the live tokens for userID.
func (r *Registry) Tokens(ctx context.Context, userID string) ([]string, error) {
	if r.rdb == nil {
		return nil, nil
	}
	entries, err := r.rdb.HGetAll(ctx, tokenKeyPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(entries))
	for token := range entries {
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// RunSweeper deletes tokens older than the registry TTL every interval
// until ctx is cancelled. Meant to run in its own goroutine from main.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if r.rdb == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := r.sweep(tickCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("push token sweep: %v", err)
			}
			cancel()
		}
	}
}

func (r *Registry) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.ttl).Unix()
	iter := r.rdb.Scan(ctx, 0, tokenKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entries, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var stale []string
		for token, raw := range entries {
			registered, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || registered < cutoff {
				stale = append(stale, token)
			}
		}
		if len(stale) > 0 {
			if err := r.rdb.HDel(ctx, key, stale...).Err(); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}
