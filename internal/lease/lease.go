// Package lease provides per-job exclusive leases backed by Redis, so that
// two workers never run the same lookalike job at once.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = eris.New("lease: held by another worker")

const keyPrefix = "lookalike:lease:"

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// renewScript extends the TTL only if the key still holds our token.
const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "lease: ping redis %s", addr)
	}
	return client, nil
}

// Locker grants leases with a TTL that is renewed while held.
type Locker struct {
	client   redis.Cmdable
	ttl      time.Duration
	newToken func() string
}

// New creates a Locker. A non-positive ttl defaults to 10 minutes.
func New(client redis.Cmdable, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{client: client, ttl: ttl, newToken: uuid.NewString}
}

// Acquire takes the lease on key. The returned release function gives it
// back; until then the lease is renewed every third of its TTL.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	redisKey := keyPrefix + key
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lease: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "key %s", key)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(redisKey, token, stop)
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err()
			err = eris.Wrapf(err, "lease: release %s", key)
		})
		return err
	}
	return release, nil
}

func (l *Locker) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := l.client.Eval(context.Background(), renewScript, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				zap.L().Warn("lease: renew failed", zap.String("key", redisKey), zap.Error(err))
				continue
			}
			if n == 0 {
				zap.L().Warn("lease: lost", zap.String("key", redisKey))
				return
			}
		}
	}
}
