package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL = 2 * time.Hour
	releaseTimeout = 5 * time.Second
)

// releaseScript deletes the key only when it still holds our token, so a lock
// that expired and was re-acquired elsewhere is never released by the old
// holder.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLocker implements the run lock across multiple worker nodes with a
// SET NX token per definition. The TTL is a safety net against a crashed
// holder; it must exceed the run timeout.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return &RedisLocker{
		client: client,
		prefix: "loadbay:runlock:",
		ttl:    ttl,
		logger: logger.With("module", "runlock.redis"),
	}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (*Handle, error) {
	key := l.prefix + name
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !acquired {
		return nil, ErrLockBusy
	}

	return &Handle{
		name: name,
		release: func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()

			err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			if err != nil {
				l.logger.Error("failed to release run lock", "definition", name, "error", err)
			}
		},
	}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
