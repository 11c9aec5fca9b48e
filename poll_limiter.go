package otpforge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pollCooldown = time.Minute

// pollLimiter throttles the per-serial smartphone endpoints (poll, confirm,
// transport-token update) so an unauthenticated device cannot hammer the
// signature-verification path.
type pollLimiter struct {
	redis       *redis.Client
	prefix      string
	maxPerCycle int
}

func newPollLimiter(redisClient *redis.Client, prefix string, maxPerCycle int) *pollLimiter {
	return &pollLimiter{redis: redisClient, prefix: prefix, maxPerCycle: maxPerCycle}
}

func (l *pollLimiter) key(serial string) string {
	return l.prefix + ":poll:" + serial
}

// Record counts one request and reports whether the serial is over budget for the
// current cooldown cycle.
func (l *pollLimiter) Record(ctx context.Context, serial string) error {
	if l == nil || l.maxPerCycle <= 0 {
		return nil
	}
	count, err := l.redis.Incr(ctx, l.key(serial)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(serial), pollCooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
	}
	if count > int64(l.maxPerCycle) {
		return ErrPollRateLimited
	}
	return nil
}

// Reset describes the reset operation and its observable behavior.
func (l *pollLimiter) Reset(ctx context.Context, serial string) error {
	if l == nil || l.maxPerCycle <= 0 {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(serial)).Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
	}
	return nil
}
