package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RunLock is a single-holder Redis lock with a TTL, used by periodic jobs.
type RunLock struct {
	client *redis.Client
}

// NewRunLock constructs the lock helper.
func NewRunLock(client *redis.Client) *RunLock {
	return &RunLock{client: client}
}

// TryLock takes key for ttl. ok is false when another holder has it.
func (l *RunLock) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("run lock: acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("run lock: release %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}
