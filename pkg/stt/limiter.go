package stt

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter paces calls to the STT service.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	l *rate.Limiter
}

// NewLocalLimiter allows rps requests per second with the given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// RedisLimiterConfig configures RedisLimiter.
type RedisLimiterConfig struct {
	Key   string
	RPS   float64
	Burst int64
	// FailOpen lets calls through while Redis is unreachable.
	FailOpen bool
}

// RedisLimiter shares one GCRA budget between every server talking to the
// same STT account.
type RedisLimiter struct {
	client *redis.Client
	cfg    RedisLimiterConfig
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client *redis.Client, cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.Key == "" {
		cfg.Key = "zapscribe:stt:ratelimit"
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &RedisLimiter{client: client, cfg: cfg}
}

// gcraScript returns {allowed, wait_ms}. TAT is the theoretical arrival time
// in milliseconds; a request is admitted when it fits within the burst window.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call("GET", key) or now)
if tat < now then
    tat = now
end

local new_tat = tat + interval
local allow_at = now + burst * interval
if new_tat > allow_at then
    return {0, new_tat - allow_at}
end

redis.call("SET", key, new_tat, "PX", new_tat - now + 1000)
return {1, 0}
`)

// Allow takes one token if available and otherwise reports how long to wait.
func (r *RedisLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	interval := int64(1000 / r.cfg.RPS)
	if interval < 1 {
		interval = 1
	}
	res, err := gcraScript.Run(ctx, r.client, []string{r.cfg.Key},
		time.Now().UnixMilli(), interval, r.cfg.Burst,
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait, err := r.Allow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Ctx(ctx).Warn().Err(err).Str("key", r.cfg.Key).Msg("stt: redis rate limit check failed")
			if r.cfg.FailOpen {
				return nil
			}
			return err
		}
		if ok {
			return nil
		}
		limiterWaitsTotal.Inc()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := utils.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
