package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// LEASE - One runner per pass
// =============================================================================

// Lease grants exclusive, expiring ownership of a named pass. Acquire reports
// false when another holder owns the name. Release only drops a lease held
// by the caller.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// LocalLease serializes passes inside one process.
type LocalLease struct {
	mu     sync.Mutex
	clock  domain.Clock
	expiry map[string]time.Time
}

func NewLocalLease(clock domain.Clock) *LocalLease {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &LocalLease{clock: clock, expiry: map[string]time.Time{}}
}

func (l *LocalLease) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if until, ok := l.expiry[name]; ok && now.Before(until) {
		return false, nil
	}
	l.expiry[name] = now.Add(ttl)
	return true, nil
}

func (l *LocalLease) Release(_ context.Context, name string) error {
	l.mu.Lock()
	delete(l.expiry, name)
	l.mu.Unlock()
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// KeyPrefix namespaces lease keys in Redis.
const KeyPrefix = "trust:sweep:"

// releaseScript deletes the key only if it still carries our token, so a
// lease that expired and was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease shares leases between replicas. Each instance holds a random
// token so that it can only release what it acquired.
type RedisLease struct {
	client redis.UniversalClient
	token  string
}

func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client, token: uuid.NewString()}
}

// NewRedisLeaseFromURL connects with redis.ParseURL and verifies the
// connection.
func NewRedisLeaseFromURL(ctx context.Context, url string) (*RedisLease, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisLease(client), nil
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, KeyPrefix+name, l.token, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.client, []string{KeyPrefix + name}, l.token).Err()
}

func (l *RedisLease) Close() error {
	return l.client.Close()
}
