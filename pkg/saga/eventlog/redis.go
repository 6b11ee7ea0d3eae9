// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// streamKeyPattern is the pattern for per-aggregate sorted sets: {prefix}events:{aggregateID}
const streamKeyPattern = "%sevents:%s"

// RedisConfig configures the Redis event log.
type RedisConfig struct {
	// Addrs is a single address for standalone mode or several for cluster mode.
	Addrs     []string `mapstructure:"addrs"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	KeyPrefix string   `mapstructure:"key_prefix"`

	// TTL expires idle streams; 0 keeps them forever.
	TTL time.Duration `mapstructure:"ttl"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`

	// MaxAppendAttempts bounds retries when a concurrent writer touches the stream.
	MaxAppendAttempts int `mapstructure:"max_append_attempts"`
}

// DefaultRedisConfig returns a configuration for a local Redis server.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addrs:             []string{"localhost:6379"},
		KeyPrefix:         "txcoord:",
		DialTimeout:       5 * time.Second,
		PoolSize:          10,
		MaxAppendAttempts: 3,
	}
}

// RedisEventLog stores each aggregate's stream in a sorted set scored by version.
//
// Key Design:
//   - Event stream: {prefix}events:{aggregateID} (sorted set, member = JSON event, score = version)
type RedisEventLog struct {
	client redis.UniversalClient
	config *RedisConfig
	owned  bool
}

// NewRedisEventLog connects to Redis and verifies connectivity.
func NewRedisEventLog(ctx context.Context, config *RedisConfig) (*RedisEventLog, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if len(config.Addrs) == 0 {
		return nil, fmt.Errorf("redis event log: at least one address is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       config.Addrs,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		PoolSize:    config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log := NewRedisEventLogWithClient(client, config)
	log.owned = true
	return log, nil
}

// NewRedisEventLogWithClient wraps an existing client. Close does not close it.
func NewRedisEventLogWithClient(client redis.UniversalClient, config *RedisConfig) *RedisEventLog {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.MaxAppendAttempts < 1 {
		config.MaxAppendAttempts = 1
	}
	return &RedisEventLog{client: client, config: config}
}

// Append implements saga.EventLog using WATCH/MULTI so a concurrent append
// to the same aggregate cannot slip in between the version check and the write.
func (r *RedisEventLog) Append(ctx context.Context, event saga.DomainEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	payload, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	key := r.streamKey(event.AggregateID)

	txf := func(tx *redis.Tx) error {
		last, err := tx.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var current int64
		if len(last) > 0 {
			current = int64(last[0].Score)
		}
		if event.Version <= current {
			return saga.NewVersionConflictError(event.AggregateID, event.Version, current)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Version), Member: payload})
			if r.config.TTL > 0 {
				pipe.Expire(ctx, key, r.config.TTL)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.config.MaxAppendAttempts; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return saga.WrapError(err, saga.ErrCodeVersionConflict,
		fmt.Sprintf("aggregate %s modified concurrently", event.AggregateID))
}

// GetStream implements saga.EventLog.
func (r *RedisEventLog) GetStream(ctx context.Context, aggregateID string, fromVersion int64) ([]saga.DomainEvent, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	members, err := r.client.ZRangeByScore(ctx, r.streamKey(aggregateID), &redis.ZRangeBy{
		Min: strconv.FormatInt(fromVersion, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", aggregateID, err)
	}

	events := make([]saga.DomainEvent, 0, len(members))
	for _, m := range members {
		event, err := UnmarshalEvent([]byte(m))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// LastVersion implements saga.VersionReader.
func (r *RedisEventLog) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	last, err := r.client.ZRevRangeWithScores(ctx, r.streamKey(aggregateID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read version of %s: %w", aggregateID, err)
	}
	if len(last) == 0 {
		return 0, nil
	}
	return int64(last[0].Score), nil
}

// HealthCheck pings Redis.
func (r *RedisEventLog) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client when it was created by NewRedisEventLog.
func (r *RedisEventLog) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *RedisEventLog) streamKey(aggregateID string) string {
	return fmt.Sprintf(streamKeyPattern, r.config.KeyPrefix, aggregateID)
}
