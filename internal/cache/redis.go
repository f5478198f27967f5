package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentid-dev/agentid/internal/metrics"
	"github.com/agentid-dev/agentid/internal/model"
)

// DefaultTTL bounds how stale a cached bundle can get if an invalidation is lost.
const DefaultTTL = 30 * time.Second

// generationTTL keeps generation counters alive far longer than any Verify
// call, so an expired counter never reopens a window for a stale Set.
const generationTTL = 24 * time.Hour

// setIfGeneration stores ARGV[2] under KEYS[1] only while the generation
// counter in KEYS[2] still reads ARGV[1].
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or '0'
if cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Redis is a VerificationCache backed by Redis string keys with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to redisURL and pings it.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Client exposes the underlying connection so other Redis-backed components
// can share it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func verifyKey(agentID uuid.UUID) string {
	return fmt.Sprintf("agentid:verify:%s", agentID)
}

func generationKey(agentID uuid.UUID) string {
	return fmt.Sprintf("agentid:verify:gen:%s", agentID)
}

// Get returns the cached bundle for agentID, if any, and the generation a
// later Set must present.
func (r *Redis) Get(ctx context.Context, agentID uuid.UUID) (model.VerificationResult, Generation, bool, error) {
	start := time.Now()
	vals, err := r.client.MGet(ctx, verifyKey(agentID), generationKey(agentID)).Result()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return model.VerificationResult{}, 0, false, fmt.Errorf("cache: get: %w", err)
	}

	var gen Generation
	if raw, ok := vals[1].(string); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.VerificationResult{}, 0, false, fmt.Errorf("cache: parse generation: %w", err)
		}
		gen = Generation(n)
	}

	raw, ok := vals[0].(string)
	if !ok {
		return model.VerificationResult{}, gen, false, nil
	}
	var res model.VerificationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		_ = r.client.Del(ctx, verifyKey(agentID)).Err()
		return model.VerificationResult{}, gen, false, nil
	}
	return res, gen, true, nil
}

// Set stores a bundle with the configured TTL unless agentID was invalidated
// after gen was read.
func (r *Redis) Set(ctx context.Context, agentID uuid.UUID, gen Generation, result model.VerificationResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	start := time.Now()
	err = setIfGeneration.Run(ctx, r.client,
		[]string{verifyKey(agentID), generationKey(agentID)},
		strconv.FormatInt(int64(gen), 10), raw, r.ttl.Milliseconds(),
	).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Invalidate removes the cached bundle for agentID and bumps its generation.
func (r *Redis) Invalidate(ctx context.Context, agentID uuid.UUID) error {
	start := time.Now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(agentID))
		pipe.Expire(ctx, generationKey(agentID), generationTTL)
		pipe.Del(ctx, verifyKey(agentID))
		return nil
	})
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}
