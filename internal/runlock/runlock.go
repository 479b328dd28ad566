package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock serializes reconciliation passes across processes with a Redis
// SET NX PX lease. The TTL bounds how long a crashed holder can block the
// scope; it should exceed the run timeout with some slack.
type RunLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	token  string
}

// New builds a lock with a process-unique holder token.
func New(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunLock{
		client: client,
		prefix: "automation:runlock:",
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

func (l *RunLock) key(scope string) string {
	return l.prefix + scope
}

// Acquire takes the lease for the scope if nobody holds it.
func (l *RunLock) Acquire(ctx context.Context, scope string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(scope), l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", scope, err)
	}
	return ok, nil
}

// Release frees the lease, but only if this process still holds it. A
// lease that expired and was re-acquired elsewhere is left alone.
func (l *RunLock) Release(ctx context.Context, scope string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(scope)}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release run lock %s: %w", scope, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
